package relay

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/beacon-project/beacon/internal/transport"
)

// RoomSnapshot is the listing view of one public room.
type RoomSnapshot struct {
	ID         string             `json:"serverId"`
	Name       string             `json:"serverName"`
	Data       string             `json:"serverData"`
	Public     bool               `json:"isPublic"`
	MaxPlayers int                `json:"maxPlayers"`
	Players    int                `json:"currentPlayers"`
	Members    []transport.ConnID `json:"members"`
}

// Listing caches a point-in-time serialization of the public rooms. The
// registry dispatch loop rebuilds it after every room mutation; the REST
// handlers and the CLI read it without ever touching registry state.
type Listing struct {
	mu         sync.RWMutex
	rooms      []RoomSnapshot
	compressed string
	conns      int
}

// NewListing returns an empty listing.
func NewListing() *Listing {
	return &Listing{compressed: emptyCompressed}
}

// emptyCompressed is the compressed form of "[]", computed once so a fresh
// server answers listing requests before any room exists.
var emptyCompressed = func() string {
	s, err := compressJSON([]RoomSnapshot{})
	if err != nil {
		panic(fmt.Sprintf("relay: compressing empty listing: %v", err))
	}
	return s
}()

// Rooms returns the cached public room snapshots.
func (l *Listing) Rooms() []RoomSnapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]RoomSnapshot, len(l.rooms))
	copy(out, l.rooms)
	return out
}

// Compressed returns the gzip+base64 JSON form of the public room list.
func (l *Listing) Compressed() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.compressed
}

// Counts returns the cached (rooms, connections) pair.
func (l *Listing) Counts() (rooms, conns int) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.rooms), l.conns
}

// publish replaces the cached snapshot. Called from the dispatch loop only.
func (l *Listing) publish(rooms []RoomSnapshot, conns int) error {
	compressed, err := compressJSON(rooms)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.rooms = rooms
	l.compressed = compressed
	l.conns = conns
	l.mu.Unlock()
	return nil
}

func compressJSON(rooms []RoomSnapshot) (string, error) {
	payload, err := json.Marshal(rooms)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(payload); err != nil {
		return "", err
	}
	if err := gz.Close(); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// snapshotRooms builds the ordered public view of the registry's rooms.
func snapshotRooms(rooms map[string]*Room) []RoomSnapshot {
	out := make([]RoomSnapshot, 0, len(rooms))
	for _, room := range rooms {
		if !room.Public {
			continue
		}
		members := make([]transport.ConnID, 0, len(room.Members))
		for conn := range room.Members {
			members = append(members, conn)
		}
		sort.Slice(members, func(i, j int) bool { return members[i] < members[j] })
		out = append(out, RoomSnapshot{
			ID:         room.ID,
			Name:       room.Name,
			Data:       room.Data,
			Public:     room.Public,
			MaxPlayers: room.MaxPlayers,
			Players:    len(room.Members),
			Members:    members,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
