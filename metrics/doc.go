/*
Package metrics implements collection of common performance metrics.

Two backends are available: Prometheus, the default, and CodaHale, using
the Go implementation of the Coda Hale metrics library
(https://github.com/dropwizard/metrics).

The collected metrics include the time spent with the request and the
response side of every single global filter, the time waiting for the
response from the backend services, the number of backend errors, and the
total time of serving a request, labeled with the service, the method and
the status code.

Components can add custom counters, gauges and timers with the
IncCounter, UpdateGauge and MeasureSince methods, e.g. the rate limit
filter counts the failures of the counter store, and the redis client
exposes the statistics of its connection pool as gauges.

The metrics are exposed by the support listener, at /metrics by default.
*/
package metrics
