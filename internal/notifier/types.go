package notifier

import (
	"time"

	"fwdbot/internal/transport"
)

// Config controls the async notification pipeline.
type Config struct {
	Workers       int
	QueueSize     int
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	// DedupWindow suppresses identical (chat, text) notifications inside the
	// window. 0 disables it.
	DedupWindow time.Duration
}

// Notification is one outbound operator message.
type Notification struct {
	// Channel names the producer (e.g. "forward.report"); used for events.
	Channel string
	Target  transport.ChatTarget
	Text    string
	Options *transport.SendOptions
}

type HistoryItem struct {
	At     time.Time
	ChatID int64
	Text   string
}

// NotificationEvent is the payload of notify.* events.
type NotificationEvent struct {
	Channel string    `json:"channel"`
	ChatID  int64     `json:"chat_id"`
	At      time.Time `json:"at"`
	Error   string    `json:"error,omitempty"`
}
