// Package metrics holds the Prometheus collectors for the correlation engine
// and the bus broker. Each process owns a private registry exposed over HTTP.
package metrics
