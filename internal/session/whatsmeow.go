package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/mdp/qrterminal/v3"
	"github.com/rs/zerolog/log"
	"go.mau.fi/whatsmeow"
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	waTypes "go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"github.com/jmoiron/sqlx"
)

// deviceMarker tags whatsmeow store devices with the owning organization so
// restarts can find them again.
const deviceMarkerPrefix = "org:"

// mediaDownloadTimeout bounds how long an inbound attachment download may
// stall the event translation callback.
const mediaDownloadTimeout = 2 * time.Minute

// NewWhatsmeowContainer wraps the shared database connection so whatsmeow
// keeps its session tables in the same database as the rest of the gateway.
func NewWhatsmeowContainer(ctx context.Context, db *sqlx.DB, driver string) (*sqlstore.Container, error) {
	dialect := driver
	if dialect == "sqlite" {
		dialect = "sqlite3"
	}
	container := sqlstore.NewWithDB(db.DB, dialect, nil)
	if err := container.Upgrade(ctx); err != nil {
		return nil, fmt.Errorf("sqlstore upgrade failed: %w", err)
	}
	return container, nil
}

// WhatsmeowFactory builds transport clients backed by whatsmeow. When
// qrInTerminal is set, fresh QR codes are also rendered on stdout for local
// development.
func WhatsmeowFactory(container *sqlstore.Container, qrInTerminal bool) ClientFactory {
	return func(ctx context.Context, orgID string) (Client, error) {
		device, err := findDevice(ctx, container, orgID)
		if err != nil {
			return nil, err
		}
		c := &meowClient{
			orgID:        orgID,
			events:       make(chan Event, 256),
			qrInTerminal: qrInTerminal,
		}
		cli := whatsmeow.NewClient(device, nil)
		cli.EnableAutoReconnect = false
		cli.AddEventHandler(c.translate)
		c.cli = cli
		return c, nil
	}
}

// findDevice loads the stored device for an organization, creating a fresh
// one when the organization has never paired.
func findDevice(ctx context.Context, container *sqlstore.Container, orgID string) (*store.Device, error) {
	devices, err := container.GetAllDevices(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list stored devices: %w", err)
	}
	marker := deviceMarkerPrefix + orgID
	for _, d := range devices {
		if d != nil && d.BusinessName == marker {
			return d, nil
		}
	}
	device := container.NewDevice()
	device.BusinessName = marker
	return device, nil
}

// meowClient adapts a whatsmeow client to the session.Client interface. The
// whatsmeow callback events are translated into the typed event stream the
// supervisor consumes.
type meowClient struct {
	orgID        string
	cli          *whatsmeow.Client
	qrInTerminal bool

	mu     sync.Mutex
	closed bool
	events chan Event
}

func (c *meowClient) Connect(ctx context.Context) error {
	if c.cli.IsConnected() {
		return nil
	}
	return c.cli.Connect()
}

func (c *meowClient) Disconnect() {
	c.cli.Disconnect()
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.events)
	}
}

func (c *meowClient) Logout(ctx context.Context) error {
	err := c.cli.Logout(ctx)
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.events)
	}
	c.mu.Unlock()
	return err
}

func (c *meowClient) PairPhone(ctx context.Context, phoneNumber string) (string, error) {
	code, err := c.cli.PairPhone(ctx, phoneNumber, true, whatsmeow.PairClientChrome, "Chrome (Linux)")
	if err != nil {
		return "", err
	}
	return code, nil
}

func (c *meowClient) SendText(ctx context.Context, toJID, text string) (string, error) {
	jid, err := parseJID(toJID)
	if err != nil {
		return "", err
	}
	resp, err := c.cli.SendMessage(ctx, jid, &waE2E.Message{Conversation: proto.String(text)})
	if err != nil {
		return "", err
	}
	return string(resp.ID), nil
}

func (c *meowClient) IsLoggedIn() bool {
	return c.cli.Store.ID != nil
}

// credentialSnapshot is the serialized form of a device backup.
type credentialSnapshot struct {
	JID            string `json:"jid"`
	RegistrationID uint32 `json:"registrationId"`
	PushName       string `json:"pushName"`
	Platform       string `json:"platform"`
	Account        string `json:"account,omitempty"`
	TakenAt        string `json:"takenAt"`
}

func (c *meowClient) SnapshotCredentials(ctx context.Context) ([]byte, error) {
	dev := c.cli.Store
	if dev == nil || dev.ID == nil {
		return nil, ErrNotConnected
	}
	snap := credentialSnapshot{
		JID:            dev.ID.String(),
		RegistrationID: dev.RegistrationID,
		PushName:       dev.PushName,
		Platform:       dev.Platform,
		TakenAt:        time.Now().UTC().Format(time.RFC3339),
	}
	if dev.Account != nil {
		raw, err := proto.Marshal(dev.Account)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal account identity: %w", err)
		}
		snap.Account = base64.StdEncoding.EncodeToString(raw)
	}
	return json.Marshal(snap)
}

func (c *meowClient) Events() <-chan Event {
	return c.events
}

// emit forwards an event unless the client was already torn down. Message
// events block until the supervisor drains them so inbound traffic is never
// dropped; lifecycle events are coalescable and may be shed under pressure.
func (c *meowClient) emit(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if _, ok := ev.(MessageEvent); ok {
		c.events <- ev
		return
	}
	select {
	case c.events <- ev:
	default:
		log.Warn().Str("organizationId", c.orgID).Msg("Session event buffer full, dropping event")
	}
}

// translate maps whatsmeow callback events onto the typed event stream.
func (c *meowClient) translate(evt interface{}) {
	switch evt := evt.(type) {
	case *events.QR:
		if len(evt.Codes) == 0 {
			return
		}
		code := evt.Codes[0]
		if c.qrInTerminal {
			qrterminal.GenerateHalfBlock(code, qrterminal.L, os.Stdout)
		}
		c.emit(QRCodeEvent{Code: code, ExpiresAt: time.Now().Add(codeTTL)})
	case *events.PairSuccess:
		log.Info().Str("organizationId", c.orgID).Str("jid", evt.ID.String()).Msg("Device paired")
	case *events.Connected:
		jid := ""
		if c.cli.Store.ID != nil {
			jid = c.cli.Store.ID.String()
		}
		c.emit(ConnectedEvent{JID: jid})
	case *events.Disconnected:
		c.emit(DisconnectedEvent{})
	case *events.StreamReplaced:
		c.emit(DisconnectedEvent{Err: errors.New("stream replaced by another connection")})
	case *events.TemporaryBan:
		c.emit(DisconnectedEvent{Err: fmt.Errorf("%w: %s", ErrAccountBanned, evt.String())})
	case *events.ConnectFailure:
		c.emit(DisconnectedEvent{Err: fmt.Errorf("connect failure: %s", evt.Reason.String())})
	case *events.LoggedOut:
		c.emit(LoggedOutEvent{})
	case *events.Message:
		c.emit(c.toMessageEvent(evt))
	}
}

func (c *meowClient) toMessageEvent(evt *events.Message) MessageEvent {
	text := evt.Message.GetConversation()
	if text == "" {
		text = evt.Message.GetExtendedTextMessage().GetText()
	}
	me := MessageEvent{
		ExternalID: string(evt.Info.ID),
		FromJID:    evt.Info.Sender.String(),
		FromNumber: evt.Info.Sender.User,
		PushName:   evt.Info.PushName,
		FromMe:     evt.Info.IsFromMe,
		Text:       text,
		Timestamp:  evt.Info.Timestamp,
	}
	caption, mimeType, downloadable := mediaPart(evt.Message)
	if !downloadable {
		return me
	}
	if me.Text == "" {
		me.Text = caption
	}
	me.MimeType = mimeType
	ctx, cancel := context.WithTimeout(context.Background(), mediaDownloadTimeout)
	defer cancel()
	data, err := c.cli.DownloadAny(ctx, evt.Message)
	if err != nil {
		log.Warn().Err(err).
			Str("organizationId", c.orgID).
			Str("messageId", string(evt.Info.ID)).
			Str("mimeType", mimeType).
			Msg("Media download failed, forwarding message without media")
		return me
	}
	me.MediaData = data
	return me
}

// mediaPart reports whether the message carries a downloadable attachment and
// returns its caption and mime type.
func mediaPart(msg *waE2E.Message) (caption, mimeType string, downloadable bool) {
	switch {
	case msg.GetImageMessage() != nil:
		img := msg.GetImageMessage()
		return img.GetCaption(), img.GetMimetype(), true
	case msg.GetAudioMessage() != nil:
		return "", msg.GetAudioMessage().GetMimetype(), true
	case msg.GetVideoMessage() != nil:
		vid := msg.GetVideoMessage()
		return vid.GetCaption(), vid.GetMimetype(), true
	case msg.GetDocumentMessage() != nil:
		doc := msg.GetDocumentMessage()
		return doc.GetCaption(), doc.GetMimetype(), true
	}
	return "", "", false
}

// parseJID accepts either a full JID or a bare phone number.
func parseJID(arg string) (waTypes.JID, error) {
	if !strings.ContainsRune(arg, '@') {
		return waTypes.NewJID(arg, waTypes.DefaultUserServer), nil
	}
	jid, err := waTypes.ParseJID(arg)
	if err != nil {
		return waTypes.EmptyJID, fmt.Errorf("invalid JID %q: %w", arg, err)
	}
	return jid, nil
}
