package entities

// ConnectionState represents the state of the conversation socket
type ConnectionState string

const (
	ConnectionDisconnected ConnectionState = "disconnected"
	ConnectionConnecting   ConnectionState = "connecting"
	ConnectionConnected    ConnectionState = "connected"
	ConnectionError        ConnectionState = "error"
)

// CanConnect reports whether a connect attempt is allowed from this state
func (s ConnectionState) CanConnect() bool {
	return s == ConnectionDisconnected || s == ConnectionError
}

// IsValid checks the value is one of the known states
func (s ConnectionState) IsValid() bool {
	switch s {
	case ConnectionDisconnected, ConnectionConnecting, ConnectionConnected, ConnectionError:
		return true
	}
	return false
}

// AudioChunk is an encoded audio payload in arrival order.
// Payload holds transport text (base64 PCM16).
type AudioChunk struct {
	Seq     uint64
	Payload string
}
