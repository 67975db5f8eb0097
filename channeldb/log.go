package channeldb

import "github.com/btcsuite/btclog"

// log is the package-level logger used throughout channeldb. It is set to
// the disabled logger by default so importing this package has no side
// effects on a host application's log output; the host is expected to call
// UseLogger once it has set up its own logging backend.
var log = btclog.Disabled

// UseLogger sets the subsystem logger used by this package. This follows
// the same per-subsystem logger convention used elsewhere in lnd: the
// package never configures its own backend, it only ever logs through
// whatever the host process registers here.
func UseLogger(logger btclog.Logger) {
	log = logger
}
