package bus

const (
	// DefaultPrefix is the channel prefix used when none is configured.
	DefaultPrefix = "shardcast"
	// DefaultNamespace is the namespace used when none is configured.
	DefaultNamespace = "/"
)

// Channels holds the three logical channels of one namespace.
// State belongs to the replication layer; the engine only uses Request and Response.
type Channels struct {
	State    string
	Request  string
	Response string
}

// ChannelsFor derives the channels for namespace under prefix.
// Distinct namespaces never share a channel, so they can share one bus.
func ChannelsFor(prefix, namespace string) Channels {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return Channels{
		State:    prefix + "#" + namespace + "#",
		Request:  prefix + "-request#" + namespace + "#",
		Response: prefix + "-response#" + namespace + "#",
	}
}
