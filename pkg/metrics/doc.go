/*
Package metrics provides Prometheus metrics for the archiver.

All metrics are registered against the default registry at package init and
exposed through Handler() on /metrics. Job counters track processed, failed
(by error code and class), and skipped (by reason) ticket jobs; histograms
cover end-to-end job duration, per-stage duration, and PDF size. Ingress,
upstream, and queue counters instrument the HTTP surface, the ticket system
client, the timestamp authority client, and the work queue.

Label cardinality is bounded: error codes, skip reasons, routes, and stage
names come from fixed sets. Ticket and delivery identifiers never appear as
label values; they belong in logs.
*/
package metrics
