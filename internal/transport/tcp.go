package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/beacon-project/beacon/internal/protocol"
)

const (
	// readTimeout is how long a connection may stay silent before it is
	// considered dead. Clients are expected to answer heartbeats well
	// within this window.
	readTimeout = 90 * time.Second

	writeTimeout = 10 * time.Second
)

func init() {
	Register("tcp", func(cb Callbacks) Transport {
		return newTCPTransport(cb)
	})
}

// tcpTransport is the default statically linked transport. Both channels ride
// the same TCP stream: each frame is [2-byte LE length][1-byte channel][data],
// so Unreliable here only relaxes the contract, not the delivery.
type tcpTransport struct {
	cb       Callbacks
	logger   zerolog.Logger
	listener net.Listener

	mu     sync.RWMutex
	conns  map[ConnID]*tcpConn
	nextID ConnID
}

type tcpConn struct {
	id     ConnID
	conn   net.Conn
	sendMu sync.Mutex

	closeOnce sync.Once
}

func newTCPTransport(cb Callbacks) *tcpTransport {
	return &tcpTransport{
		cb:     cb,
		logger: log.With().Str("component", "tcp_transport").Logger(),
		conns:  make(map[ConnID]*tcpConn),
	}
}

// StartServer listens for client connections until ctx is cancelled.
func (t *tcpTransport) StartServer(ctx context.Context, port int) error {
	addr := fmt.Sprintf(":%d", port)

	// SO_REUSEADDR allows immediate rebinding after a restart.
	lc := ReuseAddrListenConfig()
	var err error
	t.listener, err = lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to start relay listener on %s: %w", addr, err)
	}

	t.logger.Info().Str("addr", addr).Msg("relay transport listening")

	go func() {
		<-ctx.Done()
		t.listener.Close()
	}()

	for {
		conn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				t.logger.Info().Msg("relay transport stopping")
				return nil
			default:
				t.logger.Error().Err(err).Msg("failed to accept connection")
				continue
			}
		}

		tc := t.track(conn)
		t.logger.Debug().
			Int32("conn", int32(tc.id)).
			Str("remote", conn.RemoteAddr().String()).
			Msg("client connected")

		if t.cb.OnConnected != nil {
			t.cb.OnConnected(tc.id)
		}
		go t.readLoop(ctx, tc)
	}
}

func (t *tcpTransport) track(conn net.Conn) *tcpConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	tc := &tcpConn{id: t.nextID, conn: conn}
	t.conns[tc.id] = tc
	return tc
}

// readLoop pumps framed packets into the receive callback until the
// connection dies. Exactly one OnDisconnected fires per connection.
func (t *tcpTransport) readLoop(ctx context.Context, tc *tcpConn) {
	defer t.drop(tc)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		tc.conn.SetReadDeadline(time.Now().Add(readTimeout))
		frame, err := protocol.ReadFrame(tc.conn)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				t.logger.Warn().
					Int32("conn", int32(tc.id)).
					Msg("connection silent past read timeout, dropping")
			} else {
				t.logger.Debug().
					Int32("conn", int32(tc.id)).
					Err(err).
					Msg("read error, closing connection")
			}
			return
		}
		if len(frame) < 1 {
			continue
		}

		channel := Channel(frame[0])
		if channel != Reliable && channel != Unreliable {
			t.logger.Warn().
				Int32("conn", int32(tc.id)).
				Uint8("channel", frame[0]).
				Msg("frame with unknown channel, dropping connection")
			return
		}

		if t.cb.OnReceive != nil {
			t.cb.OnReceive(tc.id, frame[1:], channel)
		}
	}
}

// drop removes the connection from the table and fires OnDisconnected once.
func (t *tcpTransport) drop(tc *tcpConn) {
	tc.closeOnce.Do(func() {
		tc.conn.Close()

		t.mu.Lock()
		delete(t.conns, tc.id)
		t.mu.Unlock()

		t.logger.Debug().Int32("conn", int32(tc.id)).Msg("client disconnected")
		if t.cb.OnDisconnected != nil {
			t.cb.OnDisconnected(tc.id)
		}
	})
}

// ServerSend frames and writes a packet. Writes on the same connection are
// serialized so frames from concurrent senders cannot interleave.
func (t *tcpTransport) ServerSend(conn ConnID, data []byte, channel Channel) error {
	t.mu.RLock()
	tc, ok := t.conns[conn]
	t.mu.RUnlock()
	if !ok {
		return fmt.Errorf("tcp transport: connection %d not found", conn)
	}

	frame := make([]byte, 1+len(data))
	frame[0] = byte(channel)
	copy(frame[1:], data)

	tc.sendMu.Lock()
	defer tc.sendMu.Unlock()

	tc.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := protocol.WriteFrame(tc.conn, frame); err != nil {
		return fmt.Errorf("failed to send to connection %d: %w", conn, err)
	}
	return nil
}

// ServerDisconnect closes the connection. The read loop observes the close
// and fires OnDisconnected via drop.
func (t *tcpTransport) ServerDisconnect(conn ConnID) {
	t.mu.RLock()
	tc, ok := t.conns[conn]
	t.mu.RUnlock()
	if ok {
		tc.conn.Close()
	}
}

// Update is a no-op: the TCP transport delivers events as they arrive.
func (t *tcpTransport) Update() {}

// RemoteAddr reports the peer address of a live connection.
func (t *tcpTransport) RemoteAddr(conn ConnID) (net.Addr, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	tc, ok := t.conns[conn]
	if !ok {
		return nil, false
	}
	return tc.conn.RemoteAddr(), true
}

// Stop closes the listener and every tracked connection.
func (t *tcpTransport) Stop() error {
	var err error
	if t.listener != nil {
		err = t.listener.Close()
	}

	t.mu.RLock()
	conns := make([]*tcpConn, 0, len(t.conns))
	for _, tc := range t.conns {
		conns = append(conns, tc)
	}
	t.mu.RUnlock()

	for _, tc := range conns {
		tc.conn.Close()
	}
	return err
}
