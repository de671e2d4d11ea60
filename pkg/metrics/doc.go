/*
Package metrics defines and registers the coordinator's Prometheus metrics
and a small process health-check registry.

Metrics are grouped by concern:

  - Task lifecycle counters (spawned/claimed/completed/failed/dead/
    cancelled/duplicated/recovered), labeled by queue and task name.
  - Queue gauges: depth by state, active workers, oldest-pending age,
    breaker state per service.
  - Ingest gauges: ingest group counts by state.
  - Histograms: spawn->claim wait, claim->complete execution time, and
    full spawn->terminal time.

All metrics are registered once at package init against the default
Prometheus registry; Handler() exposes them over HTTP for scraping.

The health sub-API (RegisterComponent/UpdateComponent/GetHealth/
GetReadiness) is a lightweight process health registry independent of
Prometheus: it backs the /health and /ready endpoints a deployment
wraps around the control surface, tracking whether the store, watcher,
and scheduler loops are making progress.
*/
package metrics
