// File: control/metrics.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Runtime metrics collector. Counters come in two flavors: pull-style
// gauges wired to subsystem state (packet store, timer wheel) and push
// counters the data path increments (tun traffic).

package control

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/momentics/hioload-net/event"
	"github.com/momentics/hioload-net/mem"
)

// Metrics aggregates the runtime's prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	TunRxBytes   prometheus.Counter
	TunTxBytes   prometheus.Counter
	TunRxPackets prometheus.Counter
	TunTxPackets prometheus.Counter

	packetStoreMisses prometheus.CounterFunc
	packetStoreFree   prometheus.GaugeFunc
	packetStoreBlocks prometheus.GaugeFunc
	timerCount        prometheus.GaugeFunc
}

var (
	metricsOnce sync.Once
	metrics     *Metrics
)

// NewMetrics builds the collector set for one runtime. The wheel may be nil
// when the loop's timer gauge is not wanted.
func NewMetrics(wheel *event.Wheel) *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.TunRxBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "hioload", Subsystem: "tun", Name: "rx_bytes_total",
		Help: "Bytes received from tunnel devices.",
	})
	m.TunTxBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "hioload", Subsystem: "tun", Name: "tx_bytes_total",
		Help: "Bytes queued for transmit to tunnel devices.",
	})
	m.TunRxPackets = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "hioload", Subsystem: "tun", Name: "rx_packets_total",
		Help: "Packets received from tunnel devices.",
	})
	m.TunTxPackets = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "hioload", Subsystem: "tun", Name: "tx_packets_total",
		Help: "Packets queued for transmit to tunnel devices.",
	})

	m.packetStoreMisses = prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: "hioload", Subsystem: "packet_store", Name: "misses_total",
		Help: "Packet allocations that fell back to the heap.",
	}, func() float64 { return float64(mem.PacketStoreMisses()) })

	m.packetStoreFree = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "hioload", Subsystem: "packet_store", Name: "free_blocks",
		Help: "Free blocks in the regular packet pool.",
	}, func() float64 { return float64(mem.PacketStoreFreeBlocks()) })

	m.packetStoreBlocks = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "hioload", Subsystem: "packet_store", Name: "allocated_blocks",
		Help: "Total carved blocks in the regular packet pool.",
	}, func() float64 { return float64(mem.PacketStoreAllocatedBlocks()) })

	m.registry.MustRegister(
		m.TunRxBytes, m.TunTxBytes, m.TunRxPackets, m.TunTxPackets,
		m.packetStoreMisses, m.packetStoreFree, m.packetStoreBlocks,
	)

	if wheel != nil {
		m.timerCount = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "hioload", Subsystem: "timers", Name: "scheduled",
			Help: "Timers currently scheduled on the primary loop's wheel.",
		}, func() float64 { return float64(wheel.NumTimers()) })
		m.registry.MustRegister(m.timerCount)
	}

	return m
}

// Default returns the lazily-created process metrics (without a wheel).
func Default() *Metrics {
	metricsOnce.Do(func() {
		metrics = NewMetrics(nil)
	})
	return metrics
}

// Registry exposes the prometheus registry for an exporter to serve.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
