// Package punch implements the UDP rendezvous side of the relay: the
// coordinator that matches punch tokens to observed public endpoints, and the
// socket proxy that bridges game traffic to a discovered peer when a direct
// path is (or fails to be) established.
package punch

import (
	"context"
	"crypto/rand"
	"fmt"
	"net"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/beacon-project/beacon/internal/bidimap"
	"github.com/beacon-project/beacon/internal/protocol"
	"github.com/beacon-project/beacon/internal/transport"
)

// tokenLength is the length of a punch token. Tokens only need to be unique
// among pending punch attempts, not cryptographically strong, but they come
// from crypto/rand anyway since generation is rare.
const tokenLength = 16

const readBufSize = 2048

// ResolvedHandler is invoked after an announce binds a connection's observed
// public endpoint.
type ResolvedHandler func(conn transport.ConnID, endpoint *net.UDPAddr)

// Coordinator owns the punch UDP socket. It hands out tokens over the
// reliable channel (via the registry), and binds a connection's observed
// public endpoint when a datagram carrying its token arrives.
//
// The receive loop runs on its own goroutine; the pending-token table and the
// resolved-endpoint table are both safe for concurrent access from the
// dispatch loop.
type Coordinator struct {
	port    int
	logger  zerolog.Logger
	pending *bidimap.Map[transport.ConnID, string]

	mu         sync.RWMutex
	endpoints  map[transport.ConnID]*net.UDPAddr
	onResolved ResolvedHandler

	conn *net.UDPConn
}

// NewCoordinator creates a coordinator that will listen on the given UDP port.
func NewCoordinator(port int) *Coordinator {
	return &Coordinator{
		port:      port,
		logger:    log.With().Str("component", "punch").Logger(),
		pending:   bidimap.New[transport.ConnID, string](),
		endpoints: make(map[transport.ConnID]*net.UDPAddr),
	}
}

// Port returns the UDP port the coordinator listens on. After Bind it is
// the actual bound port, which matters when configured as 0.
func (c *Coordinator) Port() int { return c.port }

// Bind opens the coordinator's UDP socket without serving yet. Start calls
// it implicitly; it exists so the bound port can be known before serving.
func (c *Coordinator) Bind() error {
	if c.conn != nil {
		return nil
	}
	addr := &net.UDPAddr{IP: net.IPv4zero, Port: c.port}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return fmt.Errorf("failed to bind punch socket on %s: %w", addr, err)
	}
	c.conn = conn
	c.port = conn.LocalAddr().(*net.UDPAddr).Port
	return nil
}

// SetResolvedHandler installs the hook called on every resolved announce.
func (c *Coordinator) SetResolvedHandler(h ResolvedHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onResolved = h
}

// IssueToken generates and records a punch token for a connection. The
// caller sends it to the client over the reliable channel. Generation is
// retried on the (vanishingly unlikely) token collision.
func (c *Coordinator) IssueToken(conn transport.ConnID) (string, error) {
	for {
		token, err := randomToken()
		if err != nil {
			return "", err
		}
		err = c.pending.Insert(conn, token)
		if err == nil {
			return token, nil
		}
		// The connection may already hold a pending token; reuse it.
		if existing, ok := c.pending.LookupByA(conn); ok {
			return existing, nil
		}
	}
}

// Endpoint returns the observed public endpoint for a connection, if its
// punch announce has arrived.
func (c *Coordinator) Endpoint(conn transport.ConnID) (*net.UDPAddr, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ep, ok := c.endpoints[conn]
	return ep, ok
}

// Forget drops any pending token and resolved endpoint for a connection.
// Called when the owning connection disconnects.
func (c *Coordinator) Forget(conn transport.ConnID) {
	c.pending.RemoveByA(conn)
	c.mu.Lock()
	delete(c.endpoints, conn)
	c.mu.Unlock()
}

// Start binds the UDP socket and serves datagrams until ctx is cancelled.
func (c *Coordinator) Start(ctx context.Context) error {
	if err := c.Bind(); err != nil {
		return err
	}
	conn := c.conn

	c.logger.Info().Int("port", c.port).Msg("punch coordinator listening")

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	buf := make([]byte, readBufSize)
	for {
		n, sender, err := conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				c.logger.Info().Msg("punch coordinator stopping")
				return nil
			default:
				c.logger.Debug().Err(err).Msg("punch socket read error")
				continue
			}
		}
		c.handleDatagram(sender, buf[:n])
	}
}

// handleDatagram classifies one inbound datagram. An announce carrying a
// pending token binds that connection's public endpoint. Relayed game
// traffic rides the per-joiner bridge sockets, never this one, so anything
// else here is noise and gets dropped.
func (c *Coordinator) handleDatagram(sender *net.UDPAddr, payload []byte) {
	if len(payload) == 1 && payload[0] == protocol.PunchPing {
		return // liveness ping, nothing to do
	}

	if token, ok := decodeAnnounce(payload); ok {
		if conn, pending := c.pending.LookupByB(token); pending {
			c.pending.RemoveByB(token)

			c.mu.Lock()
			c.endpoints[conn] = sender
			resolved := c.onResolved
			c.mu.Unlock()

			c.logger.Info().
				Int32("conn", int32(conn)).
				Str("endpoint", sender.String()).
				Msg("punch resolved")

			if _, err := c.conn.WriteToUDP([]byte{protocol.PunchAck}, sender); err != nil {
				c.logger.Debug().Err(err).Msg("failed to send punch ack")
			}
			if resolved != nil {
				resolved(conn, sender)
			}
			return
		}
		// Token already consumed or never issued: re-ack so a client
		// retrying its announce does not stall, but bind nothing.
		c.conn.WriteToUDP([]byte{protocol.PunchAck}, sender)
		return
	}

	c.logger.Debug().
		Str("sender", sender.String()).
		Int("len", len(payload)).
		Msg("stray punch datagram dropped")
}

// decodeAnnounce parses [bool marker=true][string token]. Returns false for
// anything that does not match the announce shape exactly.
func decodeAnnounce(payload []byte) (string, bool) {
	buf := protocol.Wrap(payload)
	marker, err := buf.ReadBool()
	if err != nil || !marker {
		return "", false
	}
	token, err := buf.ReadString()
	if err != nil || token == "" || buf.Remaining() != 0 {
		return "", false
	}
	return token, true
}

// EncodeAnnounce builds the announce datagram a client sends to the
// coordinator. Exposed for the client side of the handshake and for tests.
func EncodeAnnounce(token string) []byte {
	buf := protocol.NewBuffer(2 + 2*len(token))
	buf.PutBool(true)
	buf.PutString(token)
	return buf.Bytes()
}

// randomToken returns an uppercase A-Z token.
func randomToken() (string, error) {
	raw := make([]byte, tokenLength)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate punch token: %w", err)
	}
	for i, b := range raw {
		raw[i] = 'A' + b%26
	}
	return string(raw), nil
}
