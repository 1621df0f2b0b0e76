package punch

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/beacon-project/beacon/internal/transport"
)

// IdleTimeout is how long a proxy may sit without traffic before the sweep
// disposes of it.
const IdleTimeout = 10 * time.Second

// ErrRemoteNotLatched is returned when sending through a latch-mode proxy
// before any datagram has arrived to identify the remote peer.
var ErrRemoteNotLatched = errors.New("punch: remote endpoint not latched yet")

// Proxy relays raw datagrams between a local game-transport socket and a
// remote UDP endpoint. It is the permanent data path whenever hole punching
// fails, and the temporary bridge while it is being attempted.
//
// Two construction modes:
//   - NewProxy: the remote endpoint is known up front (server side, one
//     proxy per discovered peer).
//   - NewLatchProxy: no fixed remote; the first inbound datagram latches the
//     remote for all subsequent replies. Nothing is ever sent before that
//     first datagram arrives.
type Proxy struct {
	logger zerolog.Logger
	conn   *net.UDPConn

	mu           sync.Mutex
	remote       *net.UDPAddr // nil in latch mode until latched
	localPeer    *net.UDPAddr // game transport side, latched from traffic
	lastActivity time.Time
	closed       bool

	done chan struct{}
}

// NewProxy creates a proxy bound to localPort with a fixed remote endpoint.
func NewProxy(remote *net.UDPAddr, localPort int) (*Proxy, error) {
	return newProxy(remote, localPort)
}

// NewLatchProxy creates a proxy bound to localPort with no fixed remote.
func NewLatchProxy(localPort int) (*Proxy, error) {
	return newProxy(nil, localPort)
}

func newProxy(remote *net.UDPAddr, localPort int) (*Proxy, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: localPort})
	if err != nil {
		return nil, fmt.Errorf("failed to bind proxy socket on port %d: %w", localPort, err)
	}

	p := &Proxy{
		logger: log.With().
			Str("component", "socket_proxy").
			Int("local_port", conn.LocalAddr().(*net.UDPAddr).Port).
			Logger(),
		conn:         conn,
		remote:       remote,
		lastActivity: time.Now(),
		done:         make(chan struct{}),
	}

	go p.readLoop()
	return p, nil
}

// LocalPort returns the port of the proxy's forwarding socket.
func (p *Proxy) LocalPort() int {
	return p.conn.LocalAddr().(*net.UDPAddr).Port
}

// Remote returns the current remote endpoint, or nil if not yet latched.
func (p *Proxy) Remote() *net.UDPAddr {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remote
}

// LastActivity returns the time of the last forwarded datagram.
func (p *Proxy) LastActivity() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastActivity
}

// Idle reports whether the proxy has seen no traffic for at least timeout.
func (p *Proxy) Idle(timeout time.Duration) bool {
	return time.Since(p.LastActivity()) >= timeout
}

// SendToRemote forwards a payload to the remote endpoint. In latch mode it
// fails until the remote has identified itself with at least one datagram.
func (p *Proxy) SendToRemote(payload []byte) error {
	p.mu.Lock()
	remote := p.remote
	closed := p.closed
	p.lastActivity = time.Now()
	p.mu.Unlock()

	if closed {
		return net.ErrClosed
	}
	if remote == nil {
		return ErrRemoteNotLatched
	}
	_, err := p.conn.WriteToUDP(payload, remote)
	return err
}

// readLoop classifies each inbound datagram by sender and forwards it to the
// opposite side. A datagram from an unknown sender latches that sender: the
// first one as the remote (latch mode only), later ones as the local peer.
func (p *Proxy) readLoop() {
	defer close(p.done)

	buf := make([]byte, readBufSize)
	for {
		n, sender, err := p.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		p.forward(sender, buf[:n])
	}
}

func (p *Proxy) forward(sender *net.UDPAddr, payload []byte) {
	p.mu.Lock()
	p.lastActivity = time.Now()

	var target *net.UDPAddr
	switch {
	case p.remote != nil && udpAddrEqual(sender, p.remote):
		target = p.localPeer
	case p.remote == nil:
		// Latch mode: the first datagram identifies the remote. It is
		// consumed by the latch; replies flow once traffic arrives from
		// the local side.
		p.remote = sender
		p.logger.Debug().Str("remote", sender.String()).Msg("remote endpoint latched")
	default:
		p.localPeer = sender
		target = p.remote
	}
	p.mu.Unlock()

	if target != nil {
		p.conn.WriteToUDP(payload, target)
	}
}

// Close releases the socket. Safe to call more than once.
func (p *Proxy) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	p.conn.Close()
	<-p.done
	p.logger.Debug().Msg("proxy disposed")
}

func udpAddrEqual(a, b *net.UDPAddr) bool {
	return a.Port == b.Port && a.IP.Equal(b.IP)
}

// Registry tracks live relay bridges keyed by the joiner connection that
// owns them and evicts the ones that have gone idle. The sweep runs from
// the relay's dispatch tick.
type Registry struct {
	mu      sync.Mutex
	proxies map[transport.ConnID]*Proxy
}

// NewRegistry returns an empty proxy registry.
func NewRegistry() *Registry {
	return &Registry{proxies: make(map[transport.ConnID]*Proxy)}
}

// Acquire opens a bridge to remote for conn on an ephemeral local port. The
// joiner is handed the bridge port in its join reply and latches itself with
// its first datagram; traffic from remote flows back to the latched joiner.
// An existing bridge for conn is disposed first, so a room switch always
// gets a fresh socket aimed at the new host.
func (r *Registry) Acquire(conn transport.ConnID, remote *net.UDPAddr) (*Proxy, error) {
	r.mu.Lock()
	old := r.proxies[conn]
	delete(r.proxies, conn)
	r.mu.Unlock()
	if old != nil {
		old.Close()
	}

	p, err := NewProxy(remote, 0)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.proxies[conn] = p
	r.mu.Unlock()
	return p, nil
}

// Release disposes the bridge owned by conn, if any.
func (r *Registry) Release(conn transport.ConnID) {
	r.mu.Lock()
	p, ok := r.proxies[conn]
	delete(r.proxies, conn)
	r.mu.Unlock()
	if ok {
		p.Close()
	}
}

// Lookup returns the bridge owned by conn, if any.
func (r *Registry) Lookup(conn transport.ConnID) (*Proxy, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.proxies[conn]
	return p, ok
}

// Sweep disposes proxies idle for longer than timeout and returns how many
// were evicted.
func (r *Registry) Sweep(timeout time.Duration) int {
	r.mu.Lock()
	var stale []*Proxy
	for key, p := range r.proxies {
		if p.Idle(timeout) {
			delete(r.proxies, key)
			stale = append(stale, p)
		}
	}
	r.mu.Unlock()

	for _, p := range stale {
		p.Close()
	}
	return len(stale)
}

// Len returns the number of live proxies.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.proxies)
}

// CloseAll disposes every proxy.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	proxies := make([]*Proxy, 0, len(r.proxies))
	for key, p := range r.proxies {
		delete(r.proxies, key)
		proxies = append(proxies, p)
	}
	r.mu.Unlock()

	for _, p := range proxies {
		p.Close()
	}
}
