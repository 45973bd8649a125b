// Package engine implements scatter/gather request-response correlation on
// top of a publish/subscribe bus.
//
// A send counts the subscribers of the request channel, records a pending
// entry expecting that many responses, and publishes the request. Every
// node (the originator included) dispatches the request to the operator
// registered for its type; the operator's responses go back either directly
// into the local pending table, when the responder is also the originator,
// or over the response channel. Only the originator recognizes the request
// id, folds each response in, and resolves the caller once the expected
// count is reached. A per-request deadline rejects the caller otherwise.
//
// Limitations:
//   - The expected count is a snapshot; peers joining or leaving mid-flight
//     are not accounted for.
//   - A peer that never responds is indistinguishable from a slow one until
//     the deadline.
package engine
