// Package transport abstracts the channel reminders are delivered over.
// The engine talks to an Adapter; the Telegram implementation lives in the
// telegram subpackage.
package transport

import "context"

type UpdateKind string

const (
	UpdateMessage  UpdateKind = "message"
	UpdateCallback UpdateKind = "callback"
)

// Update is an inbound event from the delivery channel: either a text
// message or a button press on a previously sent reminder.
type Update struct {
	Kind     UpdateKind
	Message  *Message
	Callback *Callback
}

type Message struct {
	ID           int
	ChatID       int64
	FromID       int64
	FromUsername string
	Text         string
}

// Callback is a button press. Data carries the action payload the sender
// attached to the button (e.g. "taken:<medicine>:<schedule>").
type Callback struct {
	ID        string
	FromID    int64
	ChatID    int64
	MessageID int
	Data      string
}

type ChatTarget struct {
	ChatID int64
}

type MessageRef struct {
	ChatID    int64
	MessageID int
}

// Button is one inline action attached to an outbound message. Buttons are
// laid out one row per inner slice.
type Button struct {
	Text string
	Data string
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
	// Silent suppresses the recipient-side notification sound. Reminder
	// alerts leave this false; bookkeeping messages set it.
	Silent  bool
	Buttons [][]Button
}

// Adapter is a delivery channel. Start feeds inbound updates into out until
// ctx is done; implementations must never block on a full out channel.
type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	EditText(ctx context.Context, ref MessageRef, text string, opt *SendOptions) error
	DeleteMessage(ctx context.Context, ref MessageRef) error
	AnswerCallback(ctx context.Context, callbackID string, text string) error
}
