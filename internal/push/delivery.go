package push

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	qrcode "github.com/skip2/go-qrcode"
	"github.com/vincent-petithory/dataurl"

	"pawzap/internal/store"
)

// DeliveryStatus tracks the lifecycle of one pushed event.
type DeliveryStatus string

const (
	StatusPending   DeliveryStatus = "pending"
	StatusDelivered DeliveryStatus = "delivered"
	StatusFailed    DeliveryStatus = "failed"
)

const (
	maxRetries   = 3
	retryBackoff = 2 * time.Second
)

// Event is one notification on its way to the organization's consumers.
type Event struct {
	ID             string         `json:"id"`
	OrganizationID string         `json:"organizationId"`
	Type           string         `json:"type"`
	Payload        map[string]any `json:"payload"`
	CreatedAt      time.Time      `json:"createdAt"`
	AttemptCount   int            `json:"attemptCount"`
	Status         DeliveryStatus `json:"status"`
	LastError      string         `json:"lastError,omitempty"`
}

// WebhookSource resolves the webhook URL configured for an organization.
type WebhookSource interface {
	GetOrganization(ctx context.Context, id string) (*store.Organization, error)
}

// EventQueue publishes events to the message broker fan-out channel.
type EventQueue interface {
	PublishEvent(ctx context.Context, eventType string, payload any) error
}

type deliveryResult struct {
	channel string
	err     error
}

// Manager pushes session and conversation events to each organization's
// webhook and to the broker event queues, retrying failed deliveries in the
// background until maxRetries is exhausted.
type Manager struct {
	webhooks WebhookSource
	queue    EventQueue
	http     *resty.Client

	mu      sync.RWMutex
	pending map[string]*Event

	done chan struct{}
	wg   sync.WaitGroup
}

// NewManager builds a delivery manager. queue may be nil when no broker is
// configured, in which case only webhooks are used.
func NewManager(webhooks WebhookSource, queue EventQueue) *Manager {
	m := &Manager{
		webhooks: webhooks,
		queue:    queue,
		http: resty.New().
			SetTimeout(10 * time.Second).
			SetHeader("Content-Type", "application/json"),
		pending: make(map[string]*Event),
		done:    make(chan struct{}),
	}
	m.wg.Add(1)
	go m.processRetries()
	return m
}

// Notify satisfies the notifier contract of the session manager and the
// message worker. Delivery happens asynchronously.
func (m *Manager) Notify(orgID string, eventType string, payload map[string]any) {
	event := &Event{
		ID:             uuid.New().String(),
		OrganizationID: orgID,
		Type:           eventType,
		Payload:        enrichPayload(eventType, payload),
		CreatedAt:      time.Now().UTC(),
		Status:         StatusPending,
	}

	m.mu.Lock()
	m.pending[event.ID] = event
	m.mu.Unlock()

	log.Debug().
		Str("eventId", event.ID).
		Str("orgId", orgID).
		Str("type", eventType).
		Msg("Event queued for delivery")

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.processDelivery(event)
	}()
}

// enrichPayload copies the payload and attaches a PNG data URL for QR code
// events so browser consumers can render the code without another round trip.
func enrichPayload(eventType string, payload map[string]any) map[string]any {
	out := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		out[k] = v
	}
	if eventType != "qr" {
		return out
	}
	code, ok := out["code"].(string)
	if !ok || code == "" {
		return out
	}
	png, err := qrcode.Encode(code, qrcode.Medium, 256)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to render QR code image")
		return out
	}
	out["image"] = dataurl.EncodeBytes(png)
	return out
}

func (m *Manager) processDelivery(event *Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	channels := m.channelCount(ctx, event.OrganizationID)
	if channels == 0 {
		// Nobody listens for this organization. Count it as delivered so
		// the retry loop does not spin on it.
		m.markDelivered(event.ID)
		return
	}

	var wg sync.WaitGroup
	results := make(chan deliveryResult, 2)

	url := m.webhookURL(ctx, event.OrganizationID)
	if url != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- deliveryResult{channel: "webhook", err: m.deliverWebhook(ctx, url, event)}
		}()
	}
	if m.queue != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- deliveryResult{channel: "queue", err: m.deliverQueue(ctx, event)}
		}()
	}

	wg.Wait()
	close(results)

	var firstErr error
	for res := range results {
		if res.err != nil {
			log.Warn().
				Err(res.err).
				Str("eventId", event.ID).
				Str("channel", res.channel).
				Str("type", event.Type).
				Msg("Event delivery attempt failed")
			if firstErr == nil {
				firstErr = fmt.Errorf("%s: %w", res.channel, res.err)
			}
		}
	}

	if firstErr == nil {
		m.markDelivered(event.ID)
		return
	}
	m.markFailed(event.ID, firstErr)
}

func (m *Manager) channelCount(ctx context.Context, orgID string) int {
	n := 0
	if m.webhookURL(ctx, orgID) != "" {
		n++
	}
	if m.queue != nil {
		n++
	}
	return n
}

func (m *Manager) webhookURL(ctx context.Context, orgID string) string {
	if m.webhooks == nil {
		return ""
	}
	org, err := m.webhooks.GetOrganization(ctx, orgID)
	if err != nil {
		log.Warn().Err(err).Str("orgId", orgID).Msg("Failed to resolve webhook URL")
		return ""
	}
	return org.WebhookURL
}

func (m *Manager) deliverWebhook(ctx context.Context, url string, event *Event) error {
	resp, err := m.http.R().
		SetContext(ctx).
		SetBody(event).
		Post(url)
	if err != nil {
		return err
	}
	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode())
	}
	return nil
}

func (m *Manager) deliverQueue(ctx context.Context, event *Event) error {
	return m.queue.PublishEvent(ctx, event.Type, event)
}

func (m *Manager) markDelivered(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if event, ok := m.pending[id]; ok {
		event.Status = StatusDelivered
		event.LastError = ""
		delete(m.pending, id)
	}
}

func (m *Manager) markFailed(id string, deliveryErr error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	event, ok := m.pending[id]
	if !ok {
		return
	}
	event.AttemptCount++
	event.LastError = deliveryErr.Error()
	if event.AttemptCount >= maxRetries {
		event.Status = StatusFailed
		log.Error().
			Str("eventId", event.ID).
			Str("orgId", event.OrganizationID).
			Str("type", event.Type).
			Int("attempts", event.AttemptCount).
			Str("lastError", event.LastError).
			Msg("Event delivery abandoned after max retries")
		return
	}
	event.Status = StatusPending
}

// processRetries periodically retries events whose last attempt failed.
func (m *Manager) processRetries() {
	defer m.wg.Done()
	ticker := time.NewTicker(retryBackoff)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.retryFailedEvents()
		}
	}
}

func (m *Manager) retryFailedEvents() {
	m.mu.RLock()
	var retryable []*Event
	for _, event := range m.pending {
		if event.Status == StatusPending && event.AttemptCount > 0 {
			retryable = append(retryable, event)
		}
	}
	m.mu.RUnlock()

	for _, event := range retryable {
		log.Info().
			Str("eventId", event.ID).
			Int("attempt", event.AttemptCount+1).
			Msg("Retrying event delivery")
		m.processDelivery(event)
	}
}

// PendingCount returns how many events still await delivery, including
// permanently failed ones that have not been inspected yet.
func (m *Manager) PendingCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.pending)
}

// EventStatus looks up an in-flight or failed event by id.
func (m *Manager) EventStatus(id string) (*Event, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	event, ok := m.pending[id]
	if !ok {
		return nil, false
	}
	snapshot := *event
	return &snapshot, true
}

// FailedEvents returns the events that exhausted their retries.
func (m *Manager) FailedEvents() []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Event
	for _, event := range m.pending {
		if event.Status == StatusFailed {
			out = append(out, *event)
		}
	}
	return out
}

// Close stops the retry loop and waits for in-flight deliveries.
func (m *Manager) Close() {
	close(m.done)
	m.wg.Wait()
}
