// Package transport defines the adapter contract between the relay core and
// the underlying network transport, plus a registration table for statically
// linked implementations. The relay core never talks to sockets directly; it
// drives a Transport through this interface and receives events through the
// callbacks registered at construction time.
package transport

import (
	"context"
	"fmt"
	"net"
	"sort"
	"sync"
)

// ConnID identifies a client connection for the lifetime of its session.
// IDs are assigned by the transport at connect time and are opaque to the
// relay core.
type ConnID int32

// Channel selects the delivery guarantee for an outbound packet.
type Channel byte

const (
	Reliable Channel = iota
	Unreliable
)

// String returns the string representation of the Channel.
func (c Channel) String() string {
	if c == Unreliable {
		return "unreliable"
	}
	return "reliable"
}

// Callbacks carries the event handlers a Transport invokes. All three are
// called from transport-owned goroutines; the registry is responsible for
// marshalling them onto its own dispatch loop.
type Callbacks struct {
	OnConnected    func(conn ConnID)
	OnReceive      func(conn ConnID, data []byte, channel Channel)
	OnDisconnected func(conn ConnID)
}

// Transport is the server-side transport contract consumed by the relay core.
type Transport interface {
	// StartServer binds the transport and serves until ctx is cancelled.
	StartServer(ctx context.Context, port int) error

	// ServerSend delivers data to a connected client on the given channel.
	ServerSend(conn ConnID, data []byte, channel Channel) error

	// ServerDisconnect forcibly closes a client connection. The transport
	// must still deliver OnDisconnected for it exactly once.
	ServerDisconnect(conn ConnID)

	// Update gives the transport a chance to pump internal queues. Called
	// from the registry's tick; implementations may no-op.
	Update()

	// RemoteAddr reports the peer address of a connection, if still known.
	RemoteAddr(conn ConnID) (net.Addr, bool)

	// Stop closes the listener and all connections.
	Stop() error
}

// Factory builds a Transport with its callbacks bound.
type Factory func(cb Callbacks) Transport

var (
	factoriesMu sync.RWMutex
	factories   = make(map[string]Factory)
)

// Register adds a named transport implementation to the plugin table.
// Implementations register from an init function; the composition root
// selects one by name from configuration.
func Register(name string, f Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	if _, dup := factories[name]; dup {
		panic(fmt.Sprintf("transport: duplicate registration for %q", name))
	}
	factories[name] = f
}

// New builds the named transport, or an error listing what is available.
func New(name string, cb Callbacks) (Transport, error) {
	factoriesMu.RLock()
	f, ok := factories[name]
	factoriesMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("transport: unknown transport %q (available: %v)", name, Names())
	}
	return f(cb), nil
}

// Names returns the registered transport names, sorted.
func Names() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
