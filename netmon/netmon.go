// File: netmon/netmon.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Route-monitor surface. The netlink (or platform equivalent) control plane
// lives outside the core; the runtime only defines the shape through which
// a monitor subscribes to an event loop and exchanges route-table updates.

package netmon

import (
	"net/netip"

	"github.com/momentics/hioload-net/event"
)

// Route is one routing-table entry as the monitor reports it.
type Route struct {
	Dst     netip.Prefix
	Gateway netip.Addr
	IfaceID int
	Metric  int
	// Table identifies the kernel routing table the entry belongs to.
	Table int
}

// IfaceState is one link-state update.
type IfaceState struct {
	IfaceID int
	Name    string
	Mtu     int
	Up      bool
}

// Subscriber consumes monitor updates on the loop thread.
type Subscriber interface {
	RoutesAdded(routes []Route)
	RoutesRemoved(routes []Route)
	IfaceStateChanged(state IfaceState)
}

// Monitor is the contract a route-management control plane implements. A
// monitor registers its kernel socket with the event loop it was created on
// and delivers updates serialized on that loop's thread.
type Monitor interface {
	// Start subscribes the monitor's descriptor(s) to the loop.
	Start(loop *event.Loop) error
	// Stop detaches from the loop and closes the kernel socket.
	Stop()

	// Subscribe registers s for subsequent updates.
	Subscribe(s Subscriber)
	// Unsubscribe removes s.
	Unsubscribe(s Subscriber)

	// UncachedIfaceID resolves an interface name directly from the
	// kernel, bypassing the monitor's asynchronously-updated cache.
	UncachedIfaceID(name string) (int, error)

	// AddRoute and RemoveRoute mutate the kernel routing table.
	AddRoute(r Route) error
	RemoveRoute(r Route) error
}
