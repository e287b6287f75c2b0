package protocol

// HELLO (client -> server)
type HelloMsg struct {
	Type            string            `json:"type"`
	ProtocolVersion string            `json:"protocol_version"`
	ClientID        string            `json:"client_id"`
	Position        [3]float64        `json:"position"`
	Capabilities    HelloCapabilities `json:"capabilities,omitempty"`
}

type HelloCapabilities struct {
	MaxQueue int `json:"max_queue,omitempty"`
}

// WELCOME (server -> client)
type WelcomeMsg struct {
	Type            string     `json:"type"`
	ProtocolVersion string     `json:"protocol_version"`
	SessionID       string     `json:"session_id"`
	ClientID        string     `json:"client_id"`
	CurrentVersion  uint64     `json:"current_version"`
	SyncParams      SyncParams `json:"sync_params"`
}

type SyncParams struct {
	Codec          string  `json:"codec"`
	TickMs         int     `json:"tick_ms"`
	InterestRadius float64 `json:"interest_radius"`
	MaxDeltaBytes  int     `json:"max_delta_bytes"`
}

// ACK (client -> server): the client applied Version.
type AckMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Version         uint64 `json:"version"`
}

// INPUT (client -> server)
type InputMsg struct {
	Type            string          `json:"type"`
	ProtocolVersion string          `json:"protocol_version"`
	Sequence        uint64          `json:"sequence"`
	Timestamp       int64           `json:"timestamp"`
	Position        [3]float64      `json:"position"`
	Velocity        [3]float64      `json:"velocity"`
	Actions         map[string]bool `json:"actions,omitempty"`
}

// PACKET (server -> client). Payload is the codec-compressed msgpack body;
// JSON carries it base64 encoded.
type PacketMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Kind            string `json:"kind"`
	Version         uint64 `json:"version"`
	BaseVersion     uint64 `json:"base_version"`
	RequiresAck     bool   `json:"requires_ack"`
	Payload         []byte `json:"payload"`
}

// ERROR (server -> client): a rejected ACK or INPUT.
type ErrorMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Code            string `json:"code"`
	Message         string `json:"message,omitempty"`
	Sequence        uint64 `json:"sequence,omitempty"`
}
