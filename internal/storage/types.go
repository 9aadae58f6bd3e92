package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrCorrupt = errors.New("storage: corrupt schedule document")
	ErrClosed  = errors.New("storage: store closed")
)

// Store is the durable single-slot schedule store.
type Store interface {
	// Save replaces whatever is stored.
	Save(ctx context.Context, r Record) error
	// Load returns (zero, false, nil) when nothing is stored.
	Load(ctx context.Context) (Record, bool, error)
	// Clear is a no-op on an empty slot.
	Clear(ctx context.Context) error
	Close() error
}

// Destination identifies where an action is performed: a parent scope
// (a chat) and a channel inside it (a forum thread; empty for the main chat).
type Destination struct {
	Scope   string `json:"scope"`
	Channel string `json:"channel,omitempty"`
}

func (d Destination) IsZero() bool {
	return strings.TrimSpace(d.Scope) == "" && strings.TrimSpace(d.Channel) == ""
}

func (d Destination) String() string {
	if d.Channel == "" {
		return d.Scope
	}
	return d.Scope + "/" + d.Channel
}

// Origin is opaque to the scheduler. It records who asked and where
// acknowledgements go.
type Origin struct {
	ChatID    int64  `json:"chat_id,omitempty"`
	ThreadID  int    `json:"thread_id,omitempty"`
	MessageID int    `json:"message_id,omitempty"`
	UserID    int64  `json:"user_id,omitempty"`
	Username  string `json:"username,omitempty"`
}

// Record is one pending deferred action.
type Record struct {
	ID           string      `json:"id"`
	TargetMoment time.Time   `json:"target_moment"`
	Destination  Destination `json:"destination"`
	Payload      string      `json:"payload"`
	Origin       Origin      `json:"origin"`
	CreatedAt    time.Time   `json:"created_at"`
}

// Validate checks the fields every stored record must carry.
func (r Record) Validate() error {
	if r.TargetMoment.IsZero() {
		return errors.New("target moment is required")
	}
	if strings.TrimSpace(r.Destination.Scope) == "" {
		return errors.New("destination scope is required")
	}
	if strings.TrimSpace(r.Payload) == "" {
		return errors.New("payload is required")
	}
	return nil
}

// Config configures storage.
//
// Driver values:
//   - "file" (default): single JSON document at Path
//   - "sqlite": SQLite database file at Path
//   - "postgres": PostgreSQL via DSN
//   - "redis": single key on a Redis server
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
	Redis       RedisConfig
}

type RedisConfig struct {
	Addr     string
	Username string
	Password string
	DB       int
	Key      string
}

const (
	DefaultPath     = "./data/schedule.json"
	DefaultRedisKey = "livecast:schedule"
)

// encodeRecord normalizes the record to UTC before writing.
func encodeRecord(r Record) ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	r.TargetMoment = r.TargetMoment.UTC()
	if !r.CreatedAt.IsZero() {
		r.CreatedAt = r.CreatedAt.UTC()
	}
	return json.Marshal(r)
}

// decodeRecord treats an empty document and the legacy "{}" marker as absent.
func decodeRecord(b []byte) (Record, bool, error) {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "{}" || string(b) == "null" {
		return Record{}, false, nil
	}
	var r Record
	dec := json.NewDecoder(bytes.NewReader(b))
	if err := dec.Decode(&r); err != nil {
		return Record{}, false, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if err := r.Validate(); err != nil {
		return Record{}, false, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	r.TargetMoment = r.TargetMoment.UTC()
	return r, true, nil
}
