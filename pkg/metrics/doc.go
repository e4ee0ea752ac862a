/*
Package metrics defines Prometheus instrumentation for the engine.

Counters and histograms cover captures (by namespace and outcome), lock
wait, recalls and cache hits, embedding degradations and sync cycles. All
collectors register on the default registry at package init.
*/
package metrics
