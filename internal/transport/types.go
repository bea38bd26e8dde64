// Package transport holds the outbound chat types shared by the notifier
// and the chat adapters.
package transport

import "context"

type ChatTarget struct {
	ChatID   int64
	ThreadID int // forum topic thread id (0 if none)
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

type Notification struct {
	Channel  string // dedup namespace, e.g. "alert"
	Priority int    // 0 low.. 10 high
	Target   ChatTarget
	Text     string
	Options  *SendOptions
}

// Sender delivers text to a chat.
type Sender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}
