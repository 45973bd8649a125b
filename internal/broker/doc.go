// Package broker implements the bus over gRPC.
//
// A broker holds the subscription streams of the nodes attached to it and
// forwards every client publish to its peers, tagged so peers do not
// forward it again. The service is described with protobuf well-known
// types, so both ends are plain Go.
//
// Client implements bus.Bus for a node: it publishes and subscribes through
// its home broker and sums subscriber counts across the whole cluster.
package broker
