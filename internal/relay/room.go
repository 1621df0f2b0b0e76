package relay

import (
	"crypto/rand"

	"github.com/beacon-project/beacon/internal/transport"
)

// Room is a live hosted game session. All fields are owned by the registry
// dispatch loop and must not be touched from other goroutines.
type Room struct {
	ID         string
	Name       string
	Data       string
	Public     bool
	MaxPlayers int

	Owner   transport.ConnID
	Members map[transport.ConnID]struct{}

	// NAT traversal fields. HostLocalAddress is whatever the host reported
	// at creation time and is handed out verbatim on same-network joins.
	UsesPunch        bool
	HostLocalAddress string
	FallbackPort     int
}

// Full reports whether the room cannot accept another member.
func (r *Room) Full() bool {
	return len(r.Members) >= r.MaxPlayers
}

// HasMember reports whether conn is currently a guest in the room. The owner
// is never a member of its own room.
func (r *Room) HasMember(conn transport.ConnID) bool {
	_, ok := r.Members[conn]
	return ok
}

const roomIDAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"

// randomRoomID returns a fresh uppercase id of the given length. Uniqueness
// against live rooms is the caller's job.
func randomRoomID(length int) (string, error) {
	if length <= 0 {
		length = 5
	}
	raw := make([]byte, length)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	id := make([]byte, length)
	for i, b := range raw {
		id[i] = roomIDAlphabet[int(b)%len(roomIDAlphabet)]
	}
	return string(id), nil
}
