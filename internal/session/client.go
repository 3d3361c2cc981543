package session

import (
	"context"
	"time"
)

// Event is a session lifecycle or traffic notification emitted by a Client.
// The concrete type tells the supervisor what happened; there is no shared
// payload map to inspect.
type Event interface {
	sessionEvent()
}

// QRCodeEvent carries a fresh QR code for pairing.
type QRCodeEvent struct {
	Code      string
	ExpiresAt time.Time
}

// PairingCodeEvent carries a phone-number pairing code. Codes expire after
// sixty seconds and a new one must be requested.
type PairingCodeEvent struct {
	Code      string
	ExpiresAt time.Time
}

// ConnectedEvent signals a fully established session.
type ConnectedEvent struct {
	JID string
}

// DisconnectedEvent signals a dropped connection. Err carries the cause when
// the transport reported one; the supervisor classifies it as recoverable or
// not before deciding to reconnect.
type DisconnectedEvent struct {
	Err error
}

// LoggedOutEvent signals that the account was unpaired on the phone. The
// stored credentials are no longer usable.
type LoggedOutEvent struct{}

// MessageEvent is one inbound WhatsApp message.
type MessageEvent struct {
	ExternalID string
	FromJID    string
	FromNumber string
	PushName   string
	FromMe     bool
	Text       string
	MimeType   string
	MediaData  []byte
	Timestamp  time.Time
}

func (QRCodeEvent) sessionEvent()       {}
func (PairingCodeEvent) sessionEvent()  {}
func (ConnectedEvent) sessionEvent()    {}
func (DisconnectedEvent) sessionEvent() {}
func (LoggedOutEvent) sessionEvent()    {}
func (MessageEvent) sessionEvent()      {}

// Client abstracts the underlying WhatsApp transport. The production
// implementation wraps whatsmeow; tests substitute a fake.
type Client interface {
	// Connect opens the connection. Lifecycle progress arrives on Events.
	Connect(ctx context.Context) error

	// Disconnect tears the connection down without deleting credentials.
	Disconnect()

	// Logout unpairs the device and deletes stored credentials.
	Logout(ctx context.Context) error

	// PairPhone requests a pairing code for the given phone number.
	PairPhone(ctx context.Context, phoneNumber string) (string, error)

	// SendText delivers a text message and returns its WhatsApp message id.
	SendText(ctx context.Context, toJID, text string) (string, error)

	// IsLoggedIn reports whether usable credentials exist.
	IsLoggedIn() bool

	// SnapshotCredentials serializes the stored credentials for backup.
	SnapshotCredentials(ctx context.Context) ([]byte, error)

	// Events streams lifecycle and message events. The channel closes when
	// the client is torn down for good.
	Events() <-chan Event
}

// ClientFactory builds a transport client for one organization. Injected
// into the Manager so tests can supply fakes.
type ClientFactory func(ctx context.Context, organizationID string) (Client, error)
