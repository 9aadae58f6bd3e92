// Package transport holds the chat types shared by the Telegram adapter,
// the command router, the notifier and the log sink.
package transport

import (
	"context"
	"strconv"
)

type UpdateKind string

const UpdateMessage UpdateKind = "message"

// Update is one inbound event from the chat platform.
type Update struct {
	Kind    UpdateKind
	Message *Message
}

// Message is an inbound text message. ThreadID is the forum topic (0 for
// the main chat).
type Message struct {
	ID           int
	ChatID       int64
	ThreadID     int
	FromID       int64
	FromUsername string
	Text         string
}

// Target is where a reply to m goes.
func (m *Message) Target() ChatTarget {
	return ChatTarget{ChatID: m.ChatID, ThreadID: m.ThreadID}
}

// ChatTarget addresses a chat and optionally one forum topic in it.
type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

func (t ChatTarget) String() string {
	s := strconv.FormatInt(t.ChatID, 10)
	if t.ThreadID != 0 {
		s += "/" + strconv.Itoa(t.ThreadID)
	}
	return s
}

// MessageRef identifies a sent message. Long texts are split, so it points
// at the first part.
type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
	// ReplyTo threads the message under an earlier one (0 = none).
	ReplyTo int
}

// Notification is an outbound message queued on the notifier. Priority
// runs 0..10; 9 and up is marked urgent.
type Notification struct {
	Priority int
	Target   ChatTarget
	Text     string
	Options  *SendOptions
}

// Adapter is a running connection to the chat platform.
type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}

// BotCommand is one entry of the platform's command menu.
type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is implemented by adapters that can publish a
// command menu (Telegram's "/" list).
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}
