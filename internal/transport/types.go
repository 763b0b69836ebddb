package transport

import "context"

type UpdateKind string

const (
	UpdateMessage  UpdateKind = "message"
	UpdateCallback UpdateKind = "callback"
)

type Update struct {
	Kind     UpdateKind
	Message  *Message
	Callback *Callback
}

// MediaKind mirrors the queued item kinds the transport can deliver.
type MediaKind string

const (
	MediaText     MediaKind = "text"
	MediaPhoto    MediaKind = "photo"
	MediaVideo    MediaKind = "video"
	MediaDocument MediaKind = "document"

	// MediaUnsupported marks an incoming attachment the queue cannot carry
	// (audio, voice, stickers, ...). It is never delivered.
	MediaUnsupported MediaKind = "unsupported"
)

// Media is an attachment carried by an incoming message.
// FileID is the platform reference used to re-send the same file.
type Media struct {
	Kind    MediaKind
	FileID  string
	Caption string
}

type Message struct {
	ID           int
	ChatID       int64
	ThreadID     int // telegram forum topic thread id (0 if none)
	FromID       int64
	FromUsername string
	FromName     string
	Text         string
	Media        *Media
	IsGroup      bool
}

type Callback struct {
	ID           string
	FromID       int64
	FromUsername string
	ChatID       int64
	ThreadID     int
	MessageID    int
	Data         string
}

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode          string
	DisablePreview     bool
	ReplyMarkupAdapter any // adapter-specific markup (Telegram: *telebot.ReplyMarkup)
}

// Payload is one outbound content unit for a destination channel.
// MediaRef is required unless Kind is MediaText.
type Payload struct {
	Kind     MediaKind
	Text     string
	MediaRef string
}

// TextSender is the minimal outbound surface used by notifiers and log sinks.
type TextSender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}

// Adapter is the operator-facing chat transport.
type Adapter interface {
	TextSender

	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	EditText(ctx context.Context, ref MessageRef, text string, opt *SendOptions) error
	AnswerCallback(ctx context.Context, callbackID string, text string) error

	// Deliver sends a payload to a destination channel addressed by handle ("@name")
	// or numeric id ("-100..."). Errors are classified with RateLimited/Transient.
	Deliver(ctx context.Context, destination string, p Payload) error
}

// BotCommand represents a single bot command menu entry.
type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is an optional interface that adapters can implement
// to update platform-specific bot command menus (e.g. Telegram /menu list).
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}
