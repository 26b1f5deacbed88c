package params

import "github.com/btcsuite/btclog"

// log is the package-level subsystem logger. It defaults to a disabled
// logger so importing this package has no logging side effects until the
// host application wires one up via UseLogger.
var log = btclog.Disabled

// UseLogger sets the subsystem logger used by this package.
func UseLogger(logger btclog.Logger) {
	log = logger
}
