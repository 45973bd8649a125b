// Package ops holds the concrete request types a node serves. Each gathers
// one answer from every node subscribed to the namespace.
package ops
