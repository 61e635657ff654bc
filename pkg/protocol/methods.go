package protocol

// Reserved method names. Everything else is dispatched to the domain handler.
const (
	// MethodInitialize opens version and capability negotiation
	MethodInitialize = "initialize"
	// MethodInitialized acknowledges negotiation (client notification)
	MethodInitialized = "initialized"
	// MethodCancel requests cooperative cancellation of an in-flight request
	MethodCancel = "cancel"
	// MethodPing is a connection-health check answered with an empty object
	MethodPing = "ping"
)

// Protocol versions supported by this implementation, newest first.
var SupportedVersions = []string{"2025-06-18", "2025-03-26"}

// LatestVersion returns the newest supported protocol version.
func LatestVersion() string { return SupportedVersions[0] }

// VersionSupported reports whether the given protocol version is supported.
func VersionSupported(version string) bool {
	for _, v := range SupportedVersions {
		if v == version {
			return true
		}
	}
	return false
}

// Capabilities is a set of named feature flags with optional sub-options.
// Presence of a key means the capability is advertised; the value holds its
// sub-options and may be empty.
type Capabilities map[string]map[string]interface{}

// Clone returns a deep copy of the capability set.
func (c Capabilities) Clone() Capabilities {
	if c == nil {
		return nil
	}
	out := make(Capabilities, len(c))
	for name, opts := range c {
		var copied map[string]interface{}
		if opts != nil {
			copied = make(map[string]interface{}, len(opts))
			for k, v := range opts {
				copied[k] = v
			}
		}
		out[name] = copied
	}
	return out
}

// Has reports whether a capability is advertised.
func (c Capabilities) Has(name string) bool {
	_, ok := c[name]
	return ok
}

// Info identifies one party of the session.
type Info struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// InitializeParams is the payload of the initialize request.
type InitializeParams struct {
	ProtocolVersion string       `json:"protocolVersion"`
	Capabilities    Capabilities `json:"capabilities,omitempty"`
	ClientInfo      Info         `json:"clientInfo,omitempty"`
}

// InitializeResult is the payload of the initialize response.
type InitializeResult struct {
	ProtocolVersion string       `json:"protocolVersion"`
	Capabilities    Capabilities `json:"capabilities,omitempty"`
	ServerInfo      Info         `json:"serverInfo,omitempty"`
}

// CancelParams is the payload of the cancel notification. ID references the
// request to cancel and may be a string or a number, like any request id.
type CancelParams struct {
	ID     interface{} `json:"id"`
	Reason string      `json:"reason,omitempty"`
}

// PingResult is the empty result of a ping request.
type PingResult struct{}
