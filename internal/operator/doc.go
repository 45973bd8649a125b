// Package operator defines the contract implemented once per request type and
// the registry that maps a request-type tag to its operator.
package operator
