// Package envelope defines the wire format shared by requests and responses
// on the bus: a fixed correlation header (id, type) and an opaque JSON payload
// owned by the operator that produced it.
package envelope
