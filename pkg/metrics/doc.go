/*
Package metrics defines the Prometheus collectors for a Hutch node:
turn outcomes and latency, queue movement, entity creation, and
transport delivery attempts. Register once at node start; the web port
serves them on /metrics.
*/
package metrics
