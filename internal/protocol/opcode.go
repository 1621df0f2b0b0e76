package protocol

// Opcode is the leading byte of every control packet exchanged between a
// client and the relay.
type Opcode byte

const (
	OpConnect              Opcode = 0x01 // server greeting after transport connect
	OpAuthenticated        Opcode = 0x02 // secret accepted (also carries the secret client->server)
	OpCreateRoom           Opcode = 0x03
	OpJoinRoom             Opcode = 0x04
	OpUpdateRoom           Opcode = 0x05
	OpLeaveRoom            Opcode = 0x06 // also reused as the join-rejection signal
	OpUpdateData           Opcode = 0x07 // opaque payload relay
	OpDisconnect           Opcode = 0x08 // member-left notification to a room owner
	OpKickPlayer           Opcode = 0x09
	OpRequestNATConnection Opcode = 0x0A // punch token + coordinator port to client
	OpDirectConnectIP      Opcode = 0x0B // discovered endpoint handed to host/guest
	OpHeartbeat            Opcode = 0x0C // periodic liveness tick to all clients
)

// opcodeStrings maps opcodes to their lowercase string representation.
var opcodeStrings = map[Opcode]string{
	OpConnect:              "connect",
	OpAuthenticated:        "authenticated",
	OpCreateRoom:           "create_room",
	OpJoinRoom:             "join_room",
	OpUpdateRoom:           "update_room",
	OpLeaveRoom:            "leave_room",
	OpUpdateData:           "update_data",
	OpDisconnect:           "disconnect",
	OpKickPlayer:           "kick_player",
	OpRequestNATConnection: "request_nat_connection",
	OpDirectConnectIP:      "direct_connect_ip",
	OpHeartbeat:            "heartbeat",
}

// String returns the string representation of the Opcode.
func (o Opcode) String() string {
	if s, ok := opcodeStrings[o]; ok {
		return s
	}
	return "unknown"
}

// Valid reports whether o is a known opcode.
func (o Opcode) Valid() bool {
	_, ok := opcodeStrings[o]
	return ok
}

// NAT punch UDP datagram markers. The announce datagram is
// [bool marker=true][string token]; the coordinator replies with a single
// ack byte, and liveness pings are a single zero byte.
const (
	PunchAck  byte = 0x01
	PunchPing byte = 0x00
)
