// Package bus defines the publish/subscribe transport port the correlation
// engine consumes, the channel naming scheme shared by every node of a
// namespace, and an in-process implementation used by single-process
// deployments, the broker's local fan-out, and tests.
package bus
