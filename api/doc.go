// Package api holds the interfaces and primitive types shared by the
// hioload-net subsystems: the error-code taxonomy, FD readiness bitmasks and
// the callback contracts of the event loop.
//
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
package api
