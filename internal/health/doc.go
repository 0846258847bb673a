// Package health provides the liveness and readiness probes served on the admin
// listener.
//
// Probes compose with [All] (AND) and [Any] (OR). [Named] prefixes a failure with
// the component that reported it and [Timeout] bounds a slow check.
//
// [ShutdownGate] fails readiness as soon as a drain begins so load balancers stop
// routing admission checks before the listeners close.
package health
