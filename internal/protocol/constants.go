package protocol

// ServerVersion is sent in every Connected reply.
const ServerVersion = 1

// ClientVersion is what the bundled viewer announces in ConnectRequest.
const ClientVersion = 1

// Header: [1B message_type][4B payload_length big-endian]
const HeaderSize = 5

// Maximum outbound payload size (256 MB). A full-HD frame stored without
// compression is ~6 MB, so this leaves room for 8K displays.
const MaxPayloadSize = 256 * 1024 * 1024

// Maximum inbound payload size. Clients only ever send ConnectRequest.
const MaxRequestSize = 64 * 1024

// MessageType identifies the type of a framed message.
type MessageType byte

const (
	// Client → server
	MsgConnect MessageType = 0x01

	// Server → client
	MsgConnected MessageType = 0x02
	MsgFrame     MessageType = 0x03
)

func (t MessageType) String() string {
	switch t {
	case MsgConnect:
		return "connect"
	case MsgConnected:
		return "connected"
	case MsgFrame:
		return "frame"
	default:
		return "unknown"
	}
}

// FrameFlags is a bitmask describing a Frame payload.
type FrameFlags uint8

const (
	FlagNone       FrameFlags = 0
	FlagDelta      FrameFlags = 1 << 0
	FlagCompressed FrameFlags = 1 << 1
)

// Fixed message sizes (excluding header).
const (
	ConnectFixedSize = 14 // u32 version + u32 width + u32 height + u16 selector length
	ConnectedSize    = 4  // u32 server version
	FrameHeaderSize  = 17 // u64 timestamp + u8 flags + u32 width + u32 height (payload follows)
)
