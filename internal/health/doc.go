// Package health aggregates service probes into one overall status and
// provides the readiness primitives used by the admin listener.
//
// An [Aggregator] fans one probe out per service, waits for all of them and
// merges the results into a [Report]. The overall status is healthy only
// when every service is healthy; any other outcome is degraded, and a fault
// in the aggregation itself yields an error report.
//
// Readiness probes compose with [All] and [Any]. [ShutdownGate] flips
// readiness off during drain so load balancers stop routing before the
// listeners close.
package health
