package replica

import (
	"fmt"

	"github.com/golang/glog"
)

// Logging convention in the `replica` package:
// Info:
//     essential events for abnormal behavior. This level should be silent on
//     normal operation, with the exception of one time (infrequent)
//     initialization data that is useful for monitoring
//     this includes:
//     - transport target connect/disconnect
//     - abnormal exits
// Warning:
//     soft conditions where the call proceeds
//     this includes:
//     - array index beyond bounds
//     - redundant subscribe/unsubscribe
//     - firing to a still-pending target
// Error:
//     internal invariant violations, immediately before the panic
// V(1):
//     key replication events with node ids that can be used to filter
// V(2):
//     frequent events - e.g. per-mutation fan-out, per-message receive

type LogFunction func(string, ...any)

func LogFn(v glog.Level, tag string) LogFunction {
	return func(format string, a ...any) {
		if glog.V(v) {
			m := fmt.Sprintf(format, a...)
			glog.Infof("%s: %s\n", tag, m)
		}
	}
}
