package relay

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beacon-project/beacon/internal/config"
	"github.com/beacon-project/beacon/internal/protocol"
	"github.com/beacon-project/beacon/internal/punch"
	"github.com/beacon-project/beacon/internal/transport"
)

const testSecret = "relay-test-secret"

type sentPacket struct {
	conn    transport.ConnID
	data    []byte
	channel transport.Channel
}

// fakeTransport records everything the registry sends so tests can assert on
// the exact wire traffic.
type fakeTransport struct {
	mu           sync.Mutex
	sent         []sentPacket
	disconnected []transport.ConnID
	addrs        map[transport.ConnID]net.Addr
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{addrs: make(map[transport.ConnID]net.Addr)}
}

func (f *fakeTransport) StartServer(ctx context.Context, port int) error { return nil }

func (f *fakeTransport) ServerSend(conn transport.ConnID, data []byte, channel transport.Channel) error {
	owned := make([]byte, len(data))
	copy(owned, data)
	f.mu.Lock()
	f.sent = append(f.sent, sentPacket{conn: conn, data: owned, channel: channel})
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) ServerDisconnect(conn transport.ConnID) {
	f.mu.Lock()
	f.disconnected = append(f.disconnected, conn)
	f.mu.Unlock()
}

func (f *fakeTransport) Update() {}

func (f *fakeTransport) RemoteAddr(conn transport.ConnID) (net.Addr, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	addr, ok := f.addrs[conn]
	return addr, ok
}

func (f *fakeTransport) Stop() error { return nil }

func (f *fakeTransport) packetsFor(conn transport.ConnID) []sentPacket {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentPacket
	for _, p := range f.sent {
		if p.conn == conn {
			out = append(out, p)
		}
	}
	return out
}

func (f *fakeTransport) clear() {
	f.mu.Lock()
	f.sent = nil
	f.disconnected = nil
	f.mu.Unlock()
}

func (f *fakeTransport) wasDisconnected(conn transport.ConnID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.disconnected {
		if c == conn {
			return true
		}
	}
	return false
}

func newTestRegistry(t *testing.T) (*Registry, *fakeTransport) {
	t.Helper()
	cfg := config.DefaultConfig().GetRelay()
	cfg.SecretKey = testSecret
	cfg.PunchEnabled = false
	ft := newFakeTransport()
	reg := NewRegistry(cfg, Options{})
	reg.AttachTransport(ft)
	return reg, ft
}

func packet(build func(buf *protocol.Buffer)) []byte {
	buf := protocol.NewBuffer(64)
	build(buf)
	return buf.Bytes()
}

func authPacket(secret string) []byte {
	return packet(func(buf *protocol.Buffer) {
		buf.PutOpcode(protocol.OpAuthenticated)
		buf.PutString(secret)
	})
}

func connectAndAuth(t *testing.T, reg *Registry, conn transport.ConnID) {
	t.Helper()
	reg.handleConnect(conn)
	reg.handleReceive(conn, authPacket(testSecret), transport.Reliable)
}

// createRoom drives a CreateRoom for conn and returns the assigned room id
// from the reply packet.
func createRoom(t *testing.T, reg *Registry, ft *fakeTransport, conn transport.ConnID, maxPlayers int32, public bool) string {
	t.Helper()
	reg.handleReceive(conn, packet(func(buf *protocol.Buffer) {
		buf.PutOpcode(protocol.OpCreateRoom)
		buf.PutString("room of " + string(rune('A'+conn)))
		buf.PutString("appdata")
		buf.PutInt32(maxPlayers)
		buf.PutBool(public)
		buf.PutString("192.168.1.10")
		buf.PutBool(false)
		buf.PutInt32(0)
	}), transport.Reliable)

	packets := ft.packetsFor(conn)
	require.NotEmpty(t, packets)
	reply := protocol.Wrap(packets[len(packets)-1].data)
	op, err := reply.ReadOpcode()
	require.NoError(t, err)
	require.Equal(t, protocol.OpCreateRoom, op)
	id, err := reply.ReadString()
	require.NoError(t, err)
	require.NotEmpty(t, id)
	return id
}

func joinPacket(roomID string) []byte {
	return packet(func(buf *protocol.Buffer) {
		buf.PutOpcode(protocol.OpJoinRoom)
		buf.PutString(roomID)
		buf.PutBool(false)
		buf.PutString("")
	})
}

func lastOpcode(t *testing.T, ft *fakeTransport, conn transport.ConnID) protocol.Opcode {
	t.Helper()
	packets := ft.packetsFor(conn)
	require.NotEmpty(t, packets)
	op, err := protocol.Wrap(packets[len(packets)-1].data).ReadOpcode()
	require.NoError(t, err)
	return op
}

func TestConnectSendsGreeting(t *testing.T) {
	reg, ft := newTestRegistry(t)

	reg.handleConnect(1)

	packets := ft.packetsFor(1)
	require.Len(t, packets, 1)
	op, err := protocol.Wrap(packets[0].data).ReadOpcode()
	require.NoError(t, err)
	assert.Equal(t, protocol.OpConnect, op)
}

func TestAuthenticationGatesRoomOpcodes(t *testing.T) {
	reg, ft := newTestRegistry(t)
	reg.handleConnect(1)
	ft.clear()

	// Room opcodes before authentication are ignored outright.
	reg.handleReceive(1, joinPacket("ABCDE"), transport.Reliable)
	assert.Empty(t, ft.packetsFor(1))
	assert.False(t, ft.wasDisconnected(1))

	// Wrong secret stays pending with no reply at all.
	reg.handleReceive(1, authPacket("not-the-secret"), transport.Reliable)
	assert.Empty(t, ft.packetsFor(1))
	assert.False(t, ft.wasDisconnected(1))

	// Correct secret unlocks the connection.
	reg.handleReceive(1, authPacket(testSecret), transport.Reliable)
	assert.Equal(t, protocol.OpAuthenticated, lastOpcode(t, ft, 1))
}

func TestCreateRoomRegistersOwner(t *testing.T) {
	reg, ft := newTestRegistry(t)
	connectAndAuth(t, reg, 1)

	id := createRoom(t, reg, ft, 1, 4, true)

	room, ok := reg.rooms[id]
	require.True(t, ok)
	assert.Len(t, id, reg.cfg.RoomIDLength)
	assert.Equal(t, transport.ConnID(1), room.Owner)
	assert.False(t, room.HasMember(1), "owner must never be a member of its own room")
	assert.Empty(t, room.Members)
	assert.Same(t, room, reg.byConn[1])
}

func TestUniqueRoomIDRetriesOnCollision(t *testing.T) {
	reg, _ := newTestRegistry(t)
	reg.cfg.RoomIDLength = 1

	// Occupy every single-letter id but one so the generator has to keep
	// retrying until it lands on the free letter.
	for c := 'A'; c <= 'Z'; c++ {
		if c == 'Q' {
			continue
		}
		reg.rooms[string(c)] = &Room{ID: string(c)}
	}

	for i := 0; i < 5; i++ {
		id, err := reg.uniqueRoomID()
		require.NoError(t, err)
		assert.Equal(t, "Q", id)
	}
}

func TestJoinRoomNotifiesBothSides(t *testing.T) {
	reg, ft := newTestRegistry(t)
	connectAndAuth(t, reg, 1)
	connectAndAuth(t, reg, 2)
	id := createRoom(t, reg, ft, 1, 2, true)
	ft.clear()

	reg.handleReceive(2, joinPacket(id), transport.Reliable)

	for _, conn := range []transport.ConnID{1, 2} {
		packets := ft.packetsFor(conn)
		require.Len(t, packets, 1, "conn %d", conn)
		reply := protocol.Wrap(packets[0].data)
		op, err := reply.ReadOpcode()
		require.NoError(t, err)
		assert.Equal(t, protocol.OpJoinRoom, op)
		joiner, err := reply.ReadInt32()
		require.NoError(t, err)
		assert.Equal(t, int32(2), joiner)
	}

	room := reg.rooms[id]
	assert.True(t, room.HasMember(2))
	assert.Len(t, room.Members, 1)
}

func TestJoinFullRoomRejectedCallerOnly(t *testing.T) {
	reg, ft := newTestRegistry(t)
	for conn := transport.ConnID(1); conn <= 3; conn++ {
		connectAndAuth(t, reg, conn)
	}
	id := createRoom(t, reg, ft, 1, 1, true)
	reg.handleReceive(2, joinPacket(id), transport.Reliable)
	ft.clear()

	reg.handleReceive(3, joinPacket(id), transport.Reliable)

	assert.Equal(t, protocol.OpLeaveRoom, lastOpcode(t, ft, 3))
	assert.Empty(t, ft.packetsFor(1), "owner must not hear about a rejected join")
	assert.Empty(t, ft.packetsFor(2))
	assert.Len(t, reg.rooms[id].Members, 1)
	assert.Nil(t, reg.byConn[3])
}

func TestJoinUnknownRoomRejected(t *testing.T) {
	reg, ft := newTestRegistry(t)
	connectAndAuth(t, reg, 1)
	ft.clear()

	reg.handleReceive(1, joinPacket("NOPE!"), transport.Reliable)

	assert.Equal(t, protocol.OpLeaveRoom, lastOpcode(t, ft, 1))
	assert.Nil(t, reg.byConn[1])
}

func TestOwnerDisconnectCascades(t *testing.T) {
	reg, ft := newTestRegistry(t)
	for conn := transport.ConnID(1); conn <= 3; conn++ {
		connectAndAuth(t, reg, conn)
	}
	id := createRoom(t, reg, ft, 1, 4, true)
	reg.handleReceive(2, joinPacket(id), transport.Reliable)
	reg.handleReceive(3, joinPacket(id), transport.Reliable)
	ft.clear()

	reg.handleDisconnect(1)

	for _, member := range []transport.ConnID{2, 3} {
		assert.Equal(t, protocol.OpLeaveRoom, lastOpcode(t, ft, member))
		assert.Nil(t, reg.byConn[member])
	}
	assert.NotContains(t, reg.rooms, id)

	// The id is gone: a fresh join attempt is rejected as room-not-found.
	ft.clear()
	reg.handleReceive(2, joinPacket(id), transport.Reliable)
	assert.Equal(t, protocol.OpLeaveRoom, lastOpcode(t, ft, 2))
}

func TestMemberDataForwardedToOwnerWithSenderID(t *testing.T) {
	reg, ft := newTestRegistry(t)
	connectAndAuth(t, reg, 1)
	connectAndAuth(t, reg, 2)
	id := createRoom(t, reg, ft, 1, 2, true)
	reg.handleReceive(2, joinPacket(id), transport.Reliable)
	ft.clear()

	payload := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	reg.handleReceive(2, packet(func(buf *protocol.Buffer) {
		buf.PutOpcode(protocol.OpUpdateData)
		buf.PutBlob(payload)
		buf.PutInt32(-1)
	}), transport.Unreliable)

	packets := ft.packetsFor(1)
	require.Len(t, packets, 1)
	assert.Equal(t, transport.Unreliable, packets[0].channel)
	reply := protocol.Wrap(packets[0].data)
	op, err := reply.ReadOpcode()
	require.NoError(t, err)
	assert.Equal(t, protocol.OpUpdateData, op)
	got, err := reply.ReadBlob()
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	sender, err := reply.ReadInt32()
	require.NoError(t, err)
	assert.Equal(t, int32(2), sender)
}

func TestOwnerDataOnlyReachesMembers(t *testing.T) {
	reg, ft := newTestRegistry(t)
	connectAndAuth(t, reg, 1)
	connectAndAuth(t, reg, 2)
	id := createRoom(t, reg, ft, 1, 2, true)
	reg.handleReceive(2, joinPacket(id), transport.Reliable)
	ft.clear()

	payload := []byte("state delta")
	sendTo := func(target int32) {
		reg.handleReceive(1, packet(func(buf *protocol.Buffer) {
			buf.PutOpcode(protocol.OpUpdateData)
			buf.PutBlob(payload)
			buf.PutInt32(target)
		}), transport.Reliable)
	}

	sendTo(2)
	packets := ft.packetsFor(2)
	require.Len(t, packets, 1)
	reply := protocol.Wrap(packets[0].data)
	op, err := reply.ReadOpcode()
	require.NoError(t, err)
	assert.Equal(t, protocol.OpUpdateData, op)
	got, err := reply.ReadBlob()
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	// No sender id trails an owner-to-guest forward.
	assert.Zero(t, reply.Remaining())

	// A target outside the room is silently dropped.
	ft.clear()
	sendTo(42)
	assert.Empty(t, ft.sent)
	assert.False(t, ft.wasDisconnected(1))
}

func TestOversizedPayloadDisconnectsSender(t *testing.T) {
	reg, ft := newTestRegistry(t)
	connectAndAuth(t, reg, 1)
	connectAndAuth(t, reg, 2)
	id := createRoom(t, reg, ft, 1, 2, true)
	reg.handleReceive(2, joinPacket(id), transport.Reliable)
	ft.clear()

	oversize := make([]byte, reg.cfg.MaxPacketUnreliable+1)
	reg.handleReceive(2, packet(func(buf *protocol.Buffer) {
		buf.PutOpcode(protocol.OpUpdateData)
		buf.PutBlob(oversize)
		buf.PutInt32(-1)
	}), transport.Unreliable)

	assert.True(t, ft.wasDisconnected(2))
	assert.Empty(t, ft.packetsFor(1), "oversize payload must not be forwarded")
}

func TestLeaveIsIdempotent(t *testing.T) {
	reg, ft := newTestRegistry(t)
	connectAndAuth(t, reg, 1)
	ft.clear()

	reg.handleReceive(1, packet(func(buf *protocol.Buffer) {
		buf.PutOpcode(protocol.OpLeaveRoom)
	}), transport.Reliable)

	assert.Empty(t, ft.sent)
	assert.False(t, ft.wasDisconnected(1))
}

func TestMemberLeaveNotifiesOwner(t *testing.T) {
	reg, ft := newTestRegistry(t)
	connectAndAuth(t, reg, 1)
	connectAndAuth(t, reg, 2)
	id := createRoom(t, reg, ft, 1, 2, true)
	reg.handleReceive(2, joinPacket(id), transport.Reliable)
	ft.clear()

	reg.handleReceive(2, packet(func(buf *protocol.Buffer) {
		buf.PutOpcode(protocol.OpLeaveRoom)
	}), transport.Reliable)

	packets := ft.packetsFor(1)
	require.Len(t, packets, 1)
	reply := protocol.Wrap(packets[0].data)
	op, err := reply.ReadOpcode()
	require.NoError(t, err)
	assert.Equal(t, protocol.OpDisconnect, op)
	departed, err := reply.ReadInt32()
	require.NoError(t, err)
	assert.Equal(t, int32(2), departed)
	assert.Empty(t, reg.rooms[id].Members)
	assert.Nil(t, reg.byConn[2])
}

func TestKickScopedToIssuingOwner(t *testing.T) {
	reg, ft := newTestRegistry(t)
	for conn := transport.ConnID(1); conn <= 3; conn++ {
		connectAndAuth(t, reg, conn)
	}
	id := createRoom(t, reg, ft, 1, 4, true)
	reg.handleReceive(2, joinPacket(id), transport.Reliable)

	kick := func(issuer transport.ConnID, target int32) {
		reg.handleReceive(issuer, packet(func(buf *protocol.Buffer) {
			buf.PutOpcode(protocol.OpKickPlayer)
			buf.PutInt32(target)
		}), transport.Reliable)
	}

	// A connection that owns nothing cannot kick out of someone else's room.
	ft.clear()
	kick(3, 2)
	assert.Empty(t, ft.sent)
	assert.True(t, reg.rooms[id].HasMember(2))

	// The owner can.
	kick(1, 2)
	assert.False(t, reg.rooms[id].HasMember(2))
	assert.Nil(t, reg.byConn[2])
	assert.Equal(t, protocol.OpKickPlayer, lastOpcode(t, ft, 2))
	assert.Equal(t, protocol.OpDisconnect, lastOpcode(t, ft, 1))
}

func TestUpdateRoomOwnerOnly(t *testing.T) {
	reg, ft := newTestRegistry(t)
	connectAndAuth(t, reg, 1)
	connectAndAuth(t, reg, 2)
	id := createRoom(t, reg, ft, 1, 4, true)
	reg.handleReceive(2, joinPacket(id), transport.Reliable)

	update := func(conn transport.ConnID) {
		reg.handleReceive(conn, packet(func(buf *protocol.Buffer) {
			buf.PutOpcode(protocol.OpUpdateRoom)
			buf.PutBool(true)
			buf.PutString("renamed")
			buf.PutBool(false)
			buf.PutBool(true)
			buf.PutBool(false)
			buf.PutBool(true)
			buf.PutInt32(8)
		}), transport.Reliable)
	}

	update(2)
	room := reg.rooms[id]
	assert.NotEqual(t, "renamed", room.Name, "member updates must be ignored")

	update(1)
	assert.Equal(t, "renamed", room.Name)
	assert.False(t, room.Public)
	assert.Equal(t, 8, room.MaxPlayers)
	assert.Equal(t, "appdata", room.Data, "unflagged field must keep its value")
}

func TestHostCreatingAgainReplacesItsRoom(t *testing.T) {
	reg, ft := newTestRegistry(t)
	connectAndAuth(t, reg, 1)
	connectAndAuth(t, reg, 2)
	first := createRoom(t, reg, ft, 1, 4, true)
	reg.handleReceive(2, joinPacket(first), transport.Reliable)
	ft.clear()

	second := createRoom(t, reg, ft, 1, 4, true)

	assert.NotContains(t, reg.rooms, first)
	assert.Contains(t, reg.rooms, second)
	assert.Equal(t, protocol.OpLeaveRoom, lastOpcode(t, ft, 2))
	assert.Nil(t, reg.byConn[2])
	assert.Same(t, reg.rooms[second], reg.byConn[1])
}

func TestMalformedPacketDisconnects(t *testing.T) {
	reg, ft := newTestRegistry(t)
	connectAndAuth(t, reg, 1)

	// CreateRoom cut off after the name.
	reg.handleReceive(1, packet(func(buf *protocol.Buffer) {
		buf.PutOpcode(protocol.OpCreateRoom)
		buf.PutString("partial")
	}), transport.Reliable)

	assert.True(t, ft.wasDisconnected(1))
	assert.Empty(t, reg.rooms)
}

func TestInvalidOpcodeDisconnects(t *testing.T) {
	reg, ft := newTestRegistry(t)
	connectAndAuth(t, reg, 1)

	reg.handleReceive(1, []byte{0xFF}, transport.Reliable)

	assert.True(t, ft.wasDisconnected(1))
}

func TestListingTracksPublicRooms(t *testing.T) {
	reg, ft := newTestRegistry(t)
	connectAndAuth(t, reg, 1)
	connectAndAuth(t, reg, 2)
	publicID := createRoom(t, reg, ft, 1, 4, true)
	createRoom(t, reg, ft, 2, 4, false)

	rooms := reg.Listing().Rooms()
	require.Len(t, rooms, 1, "private rooms must not be listed")
	assert.Equal(t, publicID, rooms[0].ID)
	assert.Equal(t, 4, rooms[0].MaxPlayers)
	assert.Zero(t, rooms[0].Players)

	// The compressed form decodes back to the same snapshot.
	raw, err := base64.StdEncoding.DecodeString(reg.Listing().Compressed())
	require.NoError(t, err)
	gz, err := gzip.NewReader(bytes.NewReader(raw))
	require.NoError(t, err)
	payload, err := io.ReadAll(gz)
	require.NoError(t, err)
	var decoded []RoomSnapshot
	require.NoError(t, json.Unmarshal(payload, &decoded))
	assert.Equal(t, rooms, decoded)

	// Closing the room empties the listing again.
	reg.handleDisconnect(1)
	nRooms, _ := reg.Listing().Counts()
	assert.Zero(t, nRooms)
}

func TestPunchAddressExchange(t *testing.T) {
	reg, ft := newTestRegistry(t)
	connectAndAuth(t, reg, 1)
	connectAndAuth(t, reg, 2)
	id := createRoom(t, reg, ft, 1, 2, true)
	room := reg.rooms[id]
	room.UsesPunch = true

	readDirect := func(p sentPacket) (string, int32, bool) {
		reply := protocol.Wrap(p.data)
		op, err := reply.ReadOpcode()
		require.NoError(t, err)
		require.Equal(t, protocol.OpDirectConnectIP, op)
		addr, err := reply.ReadString()
		require.NoError(t, err)
		port, err := reply.ReadInt32()
		require.NoError(t, err)
		attempt, err := reply.ReadBool()
		require.NoError(t, err)
		return addr, port, attempt
	}

	// Different public addresses: both sides get the other's observed endpoint.
	ft.clear()
	hostEp := &net.UDPAddr{IP: net.ParseIP("203.0.113.7"), Port: 4100}
	joinerEp := &net.UDPAddr{IP: net.ParseIP("198.51.100.9"), Port: 4200}
	reg.sendPunchAddresses(2, room, joinerEp, hostEp, "10.0.0.5")

	addr, port, attempt := readDirect(ft.packetsFor(2)[0])
	assert.Equal(t, "203.0.113.7", addr)
	assert.Equal(t, int32(4100), port)
	assert.True(t, attempt)

	addr, port, attempt = readDirect(ft.packetsFor(1)[0])
	assert.Equal(t, "198.51.100.9", addr)
	assert.Equal(t, int32(4200), port)
	assert.True(t, attempt)

	// Equal public addresses mean a shared NAT: the locally reported
	// addresses are handed out instead of the public path.
	ft.clear()
	joinerEp = &net.UDPAddr{IP: net.ParseIP("203.0.113.7"), Port: 4200}
	reg.sendPunchAddresses(2, room, joinerEp, hostEp, "10.0.0.5")

	addr, _, _ = readDirect(ft.packetsFor(2)[0])
	assert.Equal(t, "192.168.1.10", addr, "joiner should get the host's local address")
	addr, _, _ = readDirect(ft.packetsFor(1)[0])
	assert.Equal(t, "10.0.0.5", addr, "host should get the joiner's local address")
}

// When the joiner asked for a punch but never announced itself on the punch
// port, the registry stands up a relay-side UDP bridge to the host's resolved
// endpoint and hands the joiner the bridge port instead.
func TestJoinWithoutPunchAnnounceGetsRelayBridge(t *testing.T) {
	cfg := config.DefaultConfig().GetRelay()
	cfg.SecretKey = testSecret

	coord := punch.NewCoordinator(0)
	require.NoError(t, coord.Bind())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go coord.Start(ctx)

	proxies := punch.NewRegistry()
	defer proxies.CloseAll()

	ft := newFakeTransport()
	reg := NewRegistry(cfg, Options{
		Coordinator:      coord,
		Proxies:          proxies,
		AdvertiseAddress: "198.51.100.7",
	})
	reg.AttachTransport(ft)

	connectAndAuth(t, reg, 1)
	connectAndAuth(t, reg, 2)

	// Pull the host's punch token out of its NAT request packet.
	var hostToken string
	for _, p := range ft.packetsFor(1) {
		reply := protocol.Wrap(p.data)
		op, err := reply.ReadOpcode()
		require.NoError(t, err)
		if op != protocol.OpRequestNATConnection {
			continue
		}
		hostToken, err = reply.ReadString()
		require.NoError(t, err)
	}
	require.NotEmpty(t, hostToken)

	// The host announces itself over UDP; the joiner never does.
	coordAddr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: coord.Port()}
	host, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer host.Close()
	require.Eventually(t, func() bool {
		if _, werr := host.WriteToUDP(punch.EncodeAnnounce(hostToken), coordAddr); werr != nil {
			return false
		}
		_, ok := coord.Endpoint(1)
		return ok
	}, 2*time.Second, 20*time.Millisecond)

	reg.handleReceive(1, packet(func(buf *protocol.Buffer) {
		buf.PutOpcode(protocol.OpCreateRoom)
		buf.PutString("bridge room")
		buf.PutString("appdata")
		buf.PutInt32(2)
		buf.PutBool(true)
		buf.PutString("192.168.1.10")
		buf.PutBool(true)
		buf.PutInt32(0)
	}), transport.Reliable)
	packets := ft.packetsFor(1)
	require.NotEmpty(t, packets)
	reply := protocol.Wrap(packets[len(packets)-1].data)
	op, err := reply.ReadOpcode()
	require.NoError(t, err)
	require.Equal(t, protocol.OpCreateRoom, op)
	roomID, err := reply.ReadString()
	require.NoError(t, err)

	ft.clear()
	reg.handleReceive(2, packet(func(buf *protocol.Buffer) {
		buf.PutOpcode(protocol.OpJoinRoom)
		buf.PutString(roomID)
		buf.PutBool(true)
		buf.PutString("10.0.0.5")
	}), transport.Reliable)

	// The joiner is pointed at the relay's advertised address and a live
	// bridge port, with no punch attempt requested.
	var bridgePort int32
	sawDirect := false
	for _, p := range ft.packetsFor(2) {
		reply := protocol.Wrap(p.data)
		op, err := reply.ReadOpcode()
		require.NoError(t, err)
		if op != protocol.OpDirectConnectIP {
			continue
		}
		sawDirect = true
		addr, err := reply.ReadString()
		require.NoError(t, err)
		assert.Equal(t, "198.51.100.7", addr)
		bridgePort, err = reply.ReadInt32()
		require.NoError(t, err)
		attempt, err := reply.ReadBool()
		require.NoError(t, err)
		assert.False(t, attempt, "bridge hand-off must not start a punch attempt")
	}
	require.True(t, sawDirect, "joiner never received a bridge address")
	bridge, ok := proxies.Lookup(2)
	require.True(t, ok)
	require.Equal(t, int(bridgePort), bridge.LocalPort())
	assert.Equal(t, protocol.OpJoinRoom, lastOpcode(t, ft, 1))

	// Game traffic actually flows through the bridge in both directions.
	joiner, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer joiner.Close()
	bridgeAddr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: bridge.LocalPort()}

	// Skip the coordinator acks still queued on the host socket.
	readUDP := func(c *net.UDPConn) ([]byte, *net.UDPAddr) {
		buf := make([]byte, 2048)
		require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
		for {
			n, from, rerr := c.ReadFromUDP(buf)
			require.NoError(t, rerr)
			if n == 1 && buf[0] == protocol.PunchAck {
				continue
			}
			out := make([]byte, n)
			copy(out, buf[:n])
			return out, from
		}
	}

	_, err = joiner.WriteToUDP([]byte("ping"), bridgeAddr)
	require.NoError(t, err)
	payload, from := readUDP(host)
	assert.Equal(t, []byte("ping"), payload)

	_, err = host.WriteToUDP([]byte("pong"), from)
	require.NoError(t, err)
	payload, _ = readUDP(joiner)
	assert.Equal(t, []byte("pong"), payload)

	// Disconnecting the joiner tears the bridge down.
	reg.handleDisconnect(2)
	_, ok = proxies.Lookup(2)
	assert.False(t, ok)
}

func TestHeartbeatTickReachesEveryConnection(t *testing.T) {
	reg, ft := newTestRegistry(t)
	connectAndAuth(t, reg, 1)
	connectAndAuth(t, reg, 2)
	ft.clear()

	reg.tick()

	for _, conn := range []transport.ConnID{1, 2} {
		assert.Equal(t, protocol.OpHeartbeat, lastOpcode(t, ft, conn))
	}
}

func TestDispatchLoopProcessesCallbacks(t *testing.T) {
	reg, ft := newTestRegistry(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go reg.Run(ctx)

	cb := reg.Callbacks()
	cb.OnConnected(7)
	cb.OnReceive(7, authPacket(testSecret), transport.Reliable)

	require.Eventually(t, func() bool {
		packets := ft.packetsFor(7)
		if len(packets) < 2 {
			return false
		}
		op, err := protocol.Wrap(packets[len(packets)-1].data).ReadOpcode()
		return err == nil && op == protocol.OpAuthenticated
	}, 2*time.Second, 10*time.Millisecond)

	cb.OnDisconnected(7)
	require.Eventually(t, func() bool {
		_, conns := reg.Listing().Counts()
		return conns == 0
	}, 2*time.Second, 10*time.Millisecond)
}
