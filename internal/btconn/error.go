package btconn

// ProtocolError is returned when the remote side sends a handshake that does not match what we expect.
// Other handshake errors come from the network.
type ProtocolError string

func (e ProtocolError) Error() string { return "handshake: " + string(e) }

const (
	errInvalidProtocol = ProtocolError("invalid protocol string")
	errInvalidInfoHash = ProtocolError("unknown info hash")
	errOwnConnection   = ProtocolError("connected to ourselves")
)
