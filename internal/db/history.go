package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/beacon-project/beacon/internal/events"
)

const historySchema = `
CREATE TABLE IF NOT EXISTS room_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	occurred_at INTEGER NOT NULL,
	event_type TEXT NOT NULL,
	room_id TEXT NOT NULL DEFAULT '',
	conn_id INTEGER NOT NULL DEFAULT 0,
	payload TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_room_events_occurred_at ON room_events(occurred_at);
CREATE INDEX IF NOT EXISTS idx_room_events_type ON room_events(event_type);
`

// RoomEvent is one recorded history row.
type RoomEvent struct {
	ID         int64
	OccurredAt time.Time
	Type       string
	RoomID     string
	Conn       int64
	Payload    string
}

// History records room lifecycle events for later inspection. Rows older
// than the configured retention are pruned by the scheduler.
type History struct {
	db     *Database
	logger zerolog.Logger
}

// NewHistory prepares the history schema on top of an open database.
func NewHistory(database *Database) (*History, error) {
	if _, err := database.Exec(historySchema); err != nil {
		return nil, fmt.Errorf("failed to create history schema: %w", err)
	}
	return &History{
		db:     database,
		logger: log.With().Str("component", "history").Logger(),
	}, nil
}

// Record appends one event row. The payload is stored as JSON.
func (h *History) Record(eventType, roomID string, conn int64, payload interface{}) error {
	encoded := ""
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to encode event payload: %w", err)
		}
		encoded = string(raw)
	}
	_, err := h.db.Exec(
		"INSERT INTO room_events (occurred_at, event_type, room_id, conn_id, payload) VALUES (?, ?, ?, ?, ?)",
		time.Now().Unix(), eventType, roomID, conn, encoded,
	)
	if err != nil {
		return fmt.Errorf("failed to record event: %w", err)
	}
	return nil
}

// Prune deletes rows older than the retention window and reports how many
// were removed.
func (h *History) Prune(retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).Unix()
	result, err := h.db.Exec("DELETE FROM room_events WHERE occurred_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune history: %w", err)
	}
	removed, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		h.logger.Info().Int64("removed", removed).Msg("history pruned")
	}
	return removed, nil
}

// Recent returns the newest rows, most recent first.
func (h *History) Recent(limit int) ([]RoomEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := h.db.Query(
		"SELECT id, occurred_at, event_type, room_id, conn_id, payload FROM room_events ORDER BY id DESC LIMIT ?",
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var out []RoomEvent
	for rows.Next() {
		var ev RoomEvent
		var occurredAt int64
		if err := rows.Scan(&ev.ID, &occurredAt, &ev.Type, &ev.RoomID, &ev.Conn, &ev.Payload); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		ev.OccurredAt = time.Unix(occurredAt, 0)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// CountByType returns row counts grouped by event type.
func (h *History) CountByType() (map[string]int64, error) {
	rows, err := h.db.Query("SELECT event_type, COUNT(*) FROM room_events GROUP BY event_type")
	if err != nil {
		return nil, fmt.Errorf("failed to count history: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var eventType string
		var n int64
		if err := rows.Scan(&eventType, &n); err != nil {
			return nil, err
		}
		counts[eventType] = n
	}
	return counts, rows.Err()
}

// recordedEvents is the subset of bus traffic worth keeping on disk.
var recordedEvents = []events.EventType{
	events.EventRoomCreated,
	events.EventRoomUpdated,
	events.EventRoomClosed,
	events.EventPlayerJoined,
	events.EventPlayerLeft,
	events.EventPlayerKicked,
	events.EventClientAuthenticated,
	events.EventClientDisconnected,
}

// Attach subscribes the history recorder to the event bus.
func (h *History) Attach(bus *events.EventBus) {
	for _, eventType := range recordedEvents {
		bus.Subscribe(eventType, "history", h.onEvent)
	}
	h.logger.Info().Msg("history recorder attached to event bus")
}

func (h *History) onEvent(ctx context.Context, event events.Event) error {
	var roomID string
	var conn int64
	switch p := event.Payload.(type) {
	case events.RoomPayload:
		roomID = p.RoomID
		conn = int64(p.Owner)
	case events.MemberPayload:
		roomID = p.RoomID
		conn = int64(p.Conn)
	case events.ConnPayload:
		conn = int64(p.Conn)
	}
	return h.Record(string(event.Type), roomID, conn, event.Payload)
}
