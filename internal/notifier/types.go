package notifier

import (
	"context"
	"time"

	kit "livecast/internal/transport"
)

// Config controls the async notification pipeline.
type Config struct {
	Enabled       bool
	Workers       int
	QueueSize     int
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	// DedupWindow suppresses identical notifications to the same target.
	DedupWindow time.Duration
}

// Sender is the subset of a transport adapter the notifier needs.
type Sender interface {
	SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error)
}

type HistoryItem struct {
	At     time.Time      `json:"at"`
	Target kit.ChatTarget `json:"target"`
	Text   string         `json:"text"`
}

// Event is the payload of notifier.* bus events.
type Event struct {
	ChatID   int64     `json:"chat_id"`
	ThreadID int       `json:"thread_id,omitempty"`
	Key      string    `json:"key"`
	At       time.Time `json:"at"`
	Error    string    `json:"error,omitempty"`
}
