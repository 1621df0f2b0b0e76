// Package relay implements the room registry and forwarding core. All room
// and connection state is owned by a single dispatch goroutine; transport
// callbacks, the punch coordinator, the CLI and the REST layer communicate
// with it through the command channel or through the published Listing.
package relay

import (
	"context"
	"net"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/beacon-project/beacon/internal/config"
	"github.com/beacon-project/beacon/internal/events"
	"github.com/beacon-project/beacon/internal/protocol"
	"github.com/beacon-project/beacon/internal/punch"
	"github.com/beacon-project/beacon/internal/transport"
)

// cmdBacklog bounds queued transport events before the callers block.
const cmdBacklog = 1024

// Options carries the optional collaborators of a Registry. Any field may be
// nil or empty; the registry degrades to plain relaying without them.
type Options struct {
	Coordinator *punch.Coordinator
	Proxies     *punch.Registry
	Bus         *events.EventBus

	// AdvertiseAddress is the address handed to joiners who are pointed at
	// a relay-side bridge port. Defaults to the loopback address.
	AdvertiseAddress string
}

// Registry owns every Room and drives the per-connection state machine.
type Registry struct {
	cfg           config.RelayData
	tr            transport.Transport
	coord         *punch.Coordinator
	proxies       *punch.Registry
	bus           *events.EventBus
	advertiseAddr string
	pool          *protocol.BufferPool
	logger        zerolog.Logger

	rooms   map[string]*Room
	byConn  map[transport.ConnID]*Room
	conns   map[transport.ConnID]struct{}
	pending map[transport.ConnID]struct{}

	listing *Listing
	cmds    chan func()
}

// NewRegistry builds a registry for the given relay configuration. Attach a
// transport with AttachTransport before running.
func NewRegistry(cfg config.RelayData, opts Options) *Registry {
	maxPacket := cfg.MaxPacketReliable
	if cfg.MaxPacketUnreliable > maxPacket {
		maxPacket = cfg.MaxPacketUnreliable
	}
	advertiseAddr := opts.AdvertiseAddress
	if advertiseAddr == "" {
		advertiseAddr = "127.0.0.1"
	}
	return &Registry{
		cfg:           cfg,
		coord:         opts.Coordinator,
		proxies:       opts.Proxies,
		bus:           opts.Bus,
		advertiseAddr: advertiseAddr,
		pool:          protocol.NewBufferPool(maxPacket),
		logger:        log.With().Str("component", "relay").Logger(),
		rooms:         make(map[string]*Room),
		byConn:        make(map[transport.ConnID]*Room),
		conns:         make(map[transport.ConnID]struct{}),
		pending:       make(map[transport.ConnID]struct{}),
		listing:       NewListing(),
		cmds:          make(chan func(), cmdBacklog),
	}
}

// AttachTransport binds the transport the registry sends through. Must be
// called before the transport starts serving.
func (r *Registry) AttachTransport(tr transport.Transport) {
	r.tr = tr
}

// Callbacks returns the transport event handlers. Each handler marshals its
// event onto the dispatch loop so the transport goroutines never touch
// registry state.
func (r *Registry) Callbacks() transport.Callbacks {
	return transport.Callbacks{
		OnConnected: func(conn transport.ConnID) {
			r.enqueue(func() { r.handleConnect(conn) })
		},
		OnReceive: func(conn transport.ConnID, data []byte, channel transport.Channel) {
			// The payload must survive until the loop gets to it.
			owned := make([]byte, len(data))
			copy(owned, data)
			r.enqueue(func() { r.handleReceive(conn, owned, channel) })
		},
		OnDisconnected: func(conn transport.ConnID) {
			r.enqueue(func() { r.handleDisconnect(conn) })
		},
	}
}

// Listing returns the published room listing. Safe from any goroutine.
func (r *Registry) Listing() *Listing {
	return r.listing
}

// Run processes queued events and the periodic tick until ctx is cancelled.
func (r *Registry) Run(ctx context.Context) {
	interval := time.Duration(r.cfg.HeartbeatIntervalSec) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.logger.Info().
		Str("transport", r.cfg.Transport).
		Int("port", r.cfg.Port).
		Bool("punch", r.coord != nil).
		Msg("dispatch loop running")

	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("dispatch loop stopped")
			return
		case fn := <-r.cmds:
			fn()
		case <-ticker.C:
			r.tick()
		}
	}
}

func (r *Registry) enqueue(fn func()) {
	r.cmds <- fn
}

// RequestKick asks the dispatch loop to evict target from roomID. Used by
// the CLI; the room's own owner scope is applied so a stale id is harmless.
func (r *Registry) RequestKick(roomID string, target transport.ConnID) {
	r.enqueue(func() {
		room, ok := r.rooms[roomID]
		if !ok {
			return
		}
		r.leaveRoom(target, leaveOpts{scoped: true, owner: room.Owner, kicked: true})
	})
}

// RequestClose asks the dispatch loop to tear down roomID, evicting all
// members as if the owner had left.
func (r *Registry) RequestClose(roomID string) {
	r.enqueue(func() {
		room, ok := r.rooms[roomID]
		if !ok {
			return
		}
		r.leaveRoom(room.Owner, leaveOpts{})
	})
}

func (r *Registry) tick() {
	r.tr.Update()
	for conn := range r.conns {
		r.send(conn, transport.Reliable, func(buf *protocol.Buffer) {
			buf.PutOpcode(protocol.OpHeartbeat)
		})
	}
	if r.proxies != nil {
		if n := r.proxies.Sweep(punch.IdleTimeout); n > 0 {
			r.logger.Debug().Int("evicted", n).Msg("idle punch proxies swept")
		}
	}
}

func (r *Registry) handleConnect(conn transport.ConnID) {
	r.conns[conn] = struct{}{}
	r.pending[conn] = struct{}{}
	r.logger.Info().Int32("conn", int32(conn)).Msg("client connected")

	r.send(conn, transport.Reliable, func(buf *protocol.Buffer) {
		buf.PutOpcode(protocol.OpConnect)
	})

	if r.coord != nil {
		token, err := r.coord.IssueToken(conn)
		if err != nil {
			r.logger.Error().Err(err).Int32("conn", int32(conn)).Msg("punch token issue failed")
		} else {
			r.send(conn, transport.Reliable, func(buf *protocol.Buffer) {
				buf.PutOpcode(protocol.OpRequestNATConnection)
				buf.PutString(token)
				buf.PutInt32(int32(r.coord.Port()))
			})
		}
	}
	r.refreshListing()
}

func (r *Registry) handleDisconnect(conn transport.ConnID) {
	if _, known := r.conns[conn]; !known {
		return
	}
	r.leaveRoom(conn, leaveOpts{})
	delete(r.pending, conn)
	delete(r.conns, conn)
	if r.coord != nil {
		r.coord.Forget(conn)
	}
	r.releaseBridge(conn)
	r.logger.Info().Int32("conn", int32(conn)).Msg("client disconnected")
	r.refreshListing()
	r.emit(events.EventClientDisconnected, events.ConnPayload{Conn: conn})
}

func (r *Registry) handleReceive(conn transport.ConnID, data []byte, channel transport.Channel) {
	if _, known := r.conns[conn]; !known {
		return
	}

	buf := protocol.Wrap(data)
	op, err := buf.ReadOpcode()
	if err != nil {
		r.violation(conn, err, "opcode decode")
		return
	}

	if _, waiting := r.pending[conn]; waiting {
		if op == protocol.OpAuthenticated {
			r.handleAuthenticate(conn, buf)
		} else {
			r.logger.Debug().
				Int32("conn", int32(conn)).
				Str("opcode", op.String()).
				Msg("opcode before authentication ignored")
		}
		return
	}

	var herr error
	switch op {
	case protocol.OpCreateRoom:
		herr = r.handleCreateRoom(conn, buf)
	case protocol.OpJoinRoom:
		herr = r.handleJoinRoom(conn, buf)
	case protocol.OpUpdateRoom:
		herr = r.handleUpdateRoom(conn, buf)
	case protocol.OpLeaveRoom:
		r.leaveRoom(conn, leaveOpts{})
	case protocol.OpKickPlayer:
		herr = r.handleKick(conn, buf)
	case protocol.OpUpdateData:
		herr = r.handleUpdateData(conn, buf, channel)
	case protocol.OpHeartbeat:
		// client liveness echo
	default:
		r.logger.Debug().
			Int32("conn", int32(conn)).
			Str("opcode", op.String()).
			Msg("unexpected opcode ignored")
	}
	if herr != nil {
		r.violation(conn, herr, op.String())
	}
}

// violation logs a malformed or abusive packet and drops the sender. The
// transport's disconnect callback performs the actual table cleanup.
func (r *Registry) violation(conn transport.ConnID, err error, detail string) {
	r.logger.Warn().
		Err(err).
		Int32("conn", int32(conn)).
		Str("detail", detail).
		Msg("protocol violation, disconnecting")
	r.tr.ServerDisconnect(conn)
}

func (r *Registry) handleAuthenticate(conn transport.ConnID, buf *protocol.Buffer) {
	secret, err := buf.ReadString()
	if err != nil {
		r.violation(conn, err, "authenticate decode")
		return
	}
	if secret != r.cfg.SecretKey {
		// A wrong secret leaves the connection pending forever; the client
		// never sees a success opcode and is expected to time out.
		r.logger.Warn().Int32("conn", int32(conn)).Msg("authentication with wrong secret ignored")
		return
	}
	delete(r.pending, conn)
	r.send(conn, transport.Reliable, func(buf *protocol.Buffer) {
		buf.PutOpcode(protocol.OpAuthenticated)
	})
	r.logger.Info().Int32("conn", int32(conn)).Msg("client authenticated")
	r.emit(events.EventClientAuthenticated, events.ConnPayload{Conn: conn})
}

func (r *Registry) handleCreateRoom(conn transport.ConnID, buf *protocol.Buffer) error {
	name, err := buf.ReadString()
	if err != nil {
		return err
	}
	data, err := buf.ReadString()
	if err != nil {
		return err
	}
	maxPlayers, err := buf.ReadInt32()
	if err != nil {
		return err
	}
	isPublic, err := buf.ReadBool()
	if err != nil {
		return err
	}
	localAddress, err := buf.ReadString()
	if err != nil {
		return err
	}
	wantsPunch, err := buf.ReadBool()
	if err != nil {
		return err
	}
	fallbackPort, err := buf.ReadInt32()
	if err != nil {
		return err
	}

	r.leaveRoom(conn, leaveOpts{})

	if maxPlayers < 1 {
		maxPlayers = 1
	}

	id, err := r.uniqueRoomID()
	if err != nil {
		r.logger.Error().Err(err).Msg("room id generation failed")
		r.send(conn, transport.Reliable, func(buf *protocol.Buffer) {
			buf.PutOpcode(protocol.OpLeaveRoom)
		})
		return nil
	}

	room := &Room{
		ID:               id,
		Name:             name,
		Data:             data,
		Public:           isPublic,
		MaxPlayers:       int(maxPlayers),
		Owner:            conn,
		Members:          make(map[transport.ConnID]struct{}),
		UsesPunch:        wantsPunch && r.coord != nil,
		HostLocalAddress: localAddress,
		FallbackPort:     int(fallbackPort),
	}
	r.rooms[id] = room
	r.byConn[conn] = room

	r.send(conn, transport.Reliable, func(buf *protocol.Buffer) {
		buf.PutOpcode(protocol.OpCreateRoom)
		buf.PutString(id)
	})

	r.logger.Info().
		Str("room", id).
		Int32("owner", int32(conn)).
		Int("max_players", room.MaxPlayers).
		Bool("public", room.Public).
		Bool("punch", room.UsesPunch).
		Msg("room created")

	r.refreshListing()
	r.emit(events.EventRoomCreated, roomPayload(room))
	return nil
}

func (r *Registry) uniqueRoomID() (string, error) {
	for {
		id, err := randomRoomID(r.cfg.RoomIDLength)
		if err != nil {
			return "", err
		}
		if _, taken := r.rooms[id]; !taken {
			return id, nil
		}
	}
}

func (r *Registry) handleJoinRoom(conn transport.ConnID, buf *protocol.Buffer) error {
	roomID, err := buf.ReadString()
	if err != nil {
		return err
	}
	wantsPunch, err := buf.ReadBool()
	if err != nil {
		return err
	}
	localAddress, err := buf.ReadString()
	if err != nil {
		return err
	}

	r.leaveRoom(conn, leaveOpts{})

	room, ok := r.rooms[roomID]
	if !ok || room.Full() {
		r.send(conn, transport.Reliable, func(buf *protocol.Buffer) {
			buf.PutOpcode(protocol.OpLeaveRoom)
		})
		return nil
	}

	room.Members[conn] = struct{}{}
	r.byConn[conn] = room

	var joinerEp, hostEp *net.UDPAddr
	if r.coord != nil {
		joinerEp, _ = r.coord.Endpoint(conn)
		hostEp, _ = r.coord.Endpoint(room.Owner)
	}

	switch {
	case wantsPunch && room.UsesPunch && joinerEp != nil && hostEp != nil:
		r.sendPunchAddresses(conn, room, joinerEp, hostEp, localAddress)
	case wantsPunch && room.UsesPunch && hostEp != nil && r.proxies != nil:
		r.sendBridgeAddress(conn, room, hostEp)
		r.notifyJoined(conn, room)
	case wantsPunch && room.FallbackPort > 0:
		r.sendDirectFallback(conn, room)
		r.notifyJoined(conn, room)
	default:
		r.notifyJoined(conn, room)
	}

	r.logger.Info().
		Str("room", room.ID).
		Int32("conn", int32(conn)).
		Int("players", len(room.Members)).
		Msg("client joined room")

	r.refreshListing()
	r.emit(events.EventPlayerJoined, events.MemberPayload{
		RoomID: room.ID,
		Conn:   conn,
		Owner:  room.Owner,
	})
	return nil
}

// notifyJoined tells both sides the join succeeded, carrying the joiner's
// connection id. This is the relay path: all traffic flows through us.
func (r *Registry) notifyJoined(conn transport.ConnID, room *Room) {
	for _, target := range []transport.ConnID{conn, room.Owner} {
		r.send(target, transport.Reliable, func(buf *protocol.Buffer) {
			buf.PutOpcode(protocol.OpJoinRoom)
			buf.PutInt32(int32(conn))
		})
	}
}

// sendPunchAddresses hands each side the other's endpoint so both can start
// punching. When both observed public addresses match, the peers share a NAT
// and the advertised addresses switch to the locally reported ones.
func (r *Registry) sendPunchAddresses(conn transport.ConnID, room *Room, joinerEp, hostEp *net.UDPAddr, joinerLocal string) {
	sameNetwork := joinerEp.IP.Equal(hostEp.IP)

	hostAddr := hostEp.IP.String()
	if sameNetwork {
		hostAddr = room.HostLocalAddress
		if hostAddr == "" {
			hostAddr = "127.0.0.1"
		}
	}
	r.send(conn, transport.Reliable, func(buf *protocol.Buffer) {
		buf.PutOpcode(protocol.OpDirectConnectIP)
		buf.PutString(hostAddr)
		buf.PutInt32(int32(hostEp.Port))
		buf.PutBool(true)
	})

	joinerAddr := joinerEp.IP.String()
	if sameNetwork && joinerLocal != "" {
		joinerAddr = joinerLocal
	}
	r.send(room.Owner, transport.Reliable, func(buf *protocol.Buffer) {
		buf.PutOpcode(protocol.OpDirectConnectIP)
		buf.PutString(joinerAddr)
		buf.PutInt32(int32(joinerEp.Port))
		buf.PutBool(true)
	})

	r.logger.Debug().
		Str("room", room.ID).
		Int32("conn", int32(conn)).
		Bool("same_network", sameNetwork).
		Msg("punch endpoints exchanged")
}

// sendBridgeAddress stands up a relay-side UDP bridge to the host's resolved
// endpoint and points the joiner at its port. This is the fallback for a
// joiner whose own punch announce never arrived: game traffic enters the
// bridge socket, latches the joiner, and is forwarded to the host both ways.
func (r *Registry) sendBridgeAddress(conn transport.ConnID, room *Room, hostEp *net.UDPAddr) {
	bridge, err := r.proxies.Acquire(conn, hostEp)
	if err != nil {
		r.logger.Warn().
			Err(err).
			Str("room", room.ID).
			Int32("conn", int32(conn)).
			Msg("relay bridge bind failed")
		return
	}

	r.send(conn, transport.Reliable, func(buf *protocol.Buffer) {
		buf.PutOpcode(protocol.OpDirectConnectIP)
		buf.PutString(r.advertiseAddr)
		buf.PutInt32(int32(bridge.LocalPort()))
		buf.PutBool(false)
	})

	r.logger.Debug().
		Str("room", room.ID).
		Int32("conn", int32(conn)).
		Int("bridge_port", bridge.LocalPort()).
		Str("host_endpoint", hostEp.String()).
		Msg("relay bridge assigned")
}

// sendDirectFallback points the joiner at the host's fixed game port when the
// room was created without punching but still accepts direct connections.
func (r *Registry) sendDirectFallback(conn transport.ConnID, room *Room) {
	addr, ok := r.tr.RemoteAddr(room.Owner)
	if !ok {
		return
	}
	hostIP, err := hostOnly(addr)
	if err != nil {
		r.logger.Debug().Err(err).Str("room", room.ID).Msg("host address unusable for direct connect")
		return
	}
	if joinerAddr, ok := r.tr.RemoteAddr(conn); ok {
		if joinerIP, err := hostOnly(joinerAddr); err == nil && joinerIP == hostIP {
			hostIP = room.HostLocalAddress
			if hostIP == "" {
				hostIP = "127.0.0.1"
			}
		}
	}
	r.send(conn, transport.Reliable, func(buf *protocol.Buffer) {
		buf.PutOpcode(protocol.OpDirectConnectIP)
		buf.PutString(hostIP)
		buf.PutInt32(int32(room.FallbackPort))
		buf.PutBool(false)
	})
}

func hostOnly(addr net.Addr) (string, error) {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return "", err
	}
	return host, nil
}

func (r *Registry) handleUpdateRoom(conn transport.ConnID, buf *protocol.Buffer) error {
	var (
		name, data       string
		isPublic         bool
		maxPlayers       int32
		hasName, hasData bool
		hasPublic        bool
		hasMax           bool
		err              error
	)
	if hasName, err = buf.ReadBool(); err != nil {
		return err
	}
	if hasName {
		if name, err = buf.ReadString(); err != nil {
			return err
		}
	}
	if hasData, err = buf.ReadBool(); err != nil {
		return err
	}
	if hasData {
		if data, err = buf.ReadString(); err != nil {
			return err
		}
	}
	if hasPublic, err = buf.ReadBool(); err != nil {
		return err
	}
	if hasPublic {
		if isPublic, err = buf.ReadBool(); err != nil {
			return err
		}
	}
	if hasMax, err = buf.ReadBool(); err != nil {
		return err
	}
	if hasMax {
		if maxPlayers, err = buf.ReadInt32(); err != nil {
			return err
		}
	}

	room := r.byConn[conn]
	if room == nil || room.Owner != conn {
		return nil
	}

	if hasName {
		room.Name = name
	}
	if hasData {
		room.Data = data
	}
	if hasPublic {
		room.Public = isPublic
	}
	if hasMax && maxPlayers >= 1 {
		room.MaxPlayers = int(maxPlayers)
	}

	r.logger.Debug().Str("room", room.ID).Msg("room updated")
	r.refreshListing()
	r.emit(events.EventRoomUpdated, roomPayload(room))
	return nil
}

func (r *Registry) handleKick(conn transport.ConnID, buf *protocol.Buffer) error {
	target, err := buf.ReadInt32()
	if err != nil {
		return err
	}
	r.leaveRoom(transport.ConnID(target), leaveOpts{scoped: true, owner: conn, kicked: true})
	return nil
}

func (r *Registry) handleUpdateData(conn transport.ConnID, buf *protocol.Buffer, channel transport.Channel) error {
	payload, err := buf.ReadBlob()
	if err != nil {
		return err
	}
	target, err := buf.ReadInt32()
	if err != nil {
		return err
	}

	if len(payload) > r.cfg.MaxPacket(channel == transport.Reliable) {
		return protocol.ErrOversized
	}

	room := r.byConn[conn]
	if room == nil {
		return nil
	}

	if room.Owner == conn {
		// Host to one guest. Anything aimed outside the room is dropped.
		dest := transport.ConnID(target)
		if !room.HasMember(dest) {
			return nil
		}
		r.send(dest, channel, func(buf *protocol.Buffer) {
			buf.PutOpcode(protocol.OpUpdateData)
			buf.PutBlob(payload)
		})
		return nil
	}

	// Guest to host, sender id appended for attribution.
	r.send(room.Owner, channel, func(buf *protocol.Buffer) {
		buf.PutOpcode(protocol.OpUpdateData)
		buf.PutBlob(payload)
		buf.PutInt32(int32(conn))
	})
	return nil
}

// leaveOpts scopes a leave. A scoped leave only applies when the target's
// room is owned by owner, which is how kicks stay confined to the issuing
// owner's own room.
type leaveOpts struct {
	scoped bool
	owner  transport.ConnID
	kicked bool
}

// leaveRoom removes conn from whatever room it is in. Owner departure tears
// the room down and evicts every member. A no-op when conn is roomless.
func (r *Registry) leaveRoom(conn transport.ConnID, opts leaveOpts) {
	room := r.byConn[conn]
	if room == nil {
		return
	}

	if room.Owner == conn {
		if opts.scoped {
			// kicks never remove an owner
			return
		}
		for member := range room.Members {
			delete(r.byConn, member)
			r.releaseBridge(member)
			r.send(member, transport.Reliable, func(buf *protocol.Buffer) {
				buf.PutOpcode(protocol.OpLeaveRoom)
			})
		}
		delete(r.rooms, room.ID)
		delete(r.byConn, conn)
		r.logger.Info().Str("room", room.ID).Int32("owner", int32(conn)).Msg("room closed")
		r.refreshListing()
		r.emit(events.EventRoomClosed, roomPayload(room))
		return
	}

	if opts.scoped && room.Owner != opts.owner {
		return
	}

	delete(room.Members, conn)
	delete(r.byConn, conn)
	r.releaseBridge(conn)
	r.send(room.Owner, transport.Reliable, func(buf *protocol.Buffer) {
		buf.PutOpcode(protocol.OpDisconnect)
		buf.PutInt32(int32(conn))
	})
	if opts.kicked {
		r.send(conn, transport.Reliable, func(buf *protocol.Buffer) {
			buf.PutOpcode(protocol.OpKickPlayer)
		})
	}

	r.logger.Info().
		Str("room", room.ID).
		Int32("conn", int32(conn)).
		Bool("kicked", opts.kicked).
		Msg("client left room")

	r.refreshListing()
	eventType := events.EventPlayerLeft
	if opts.kicked {
		eventType = events.EventPlayerKicked
	}
	r.emit(eventType, events.MemberPayload{
		RoomID: room.ID,
		Conn:   conn,
		Owner:  room.Owner,
		Kicked: opts.kicked,
	})
}

func (r *Registry) releaseBridge(conn transport.ConnID) {
	if r.proxies != nil {
		r.proxies.Release(conn)
	}
}

func (r *Registry) send(conn transport.ConnID, channel transport.Channel, build func(buf *protocol.Buffer)) {
	err := r.pool.WithBuffer(64, func(buf *protocol.Buffer) error {
		build(buf)
		return r.tr.ServerSend(conn, buf.Bytes(), channel)
	})
	if err != nil {
		r.logger.Debug().Err(err).Int32("conn", int32(conn)).Msg("send failed")
	}
}

func (r *Registry) refreshListing() {
	if err := r.listing.publish(snapshotRooms(r.rooms), len(r.conns)); err != nil {
		r.logger.Error().Err(err).Msg("room listing rebuild failed")
	}
}

func (r *Registry) emit(eventType events.EventType, payload interface{}) {
	if r.bus == nil {
		return
	}
	r.bus.Emit(context.Background(), events.Event{
		Type:    eventType,
		Source:  "relay",
		Payload: payload,
	})
}

func roomPayload(room *Room) events.RoomPayload {
	return events.RoomPayload{
		RoomID:     room.ID,
		Name:       room.Name,
		Public:     room.Public,
		MaxPlayers: room.MaxPlayers,
		Owner:      room.Owner,
		Players:    len(room.Members),
		UsesPunch:  room.UsesPunch,
	}
}
