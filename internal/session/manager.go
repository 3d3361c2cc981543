package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"pawzap/internal/store"
)

// pairing codes and QR codes are valid for one minute before a new one must
// be requested.
const codeTTL = 60 * time.Second

// InstanceStore is the slice of the persistence layer the Manager needs.
type InstanceStore interface {
	UpsertInstance(ctx context.Context, orgID, phoneNumber string) (*store.Instance, error)
	GetInstanceByOrg(ctx context.Context, orgID string) (*store.Instance, error)
	UpdateInstanceStatus(ctx context.Context, orgID, status string) error
	MarkInstanceReconnecting(ctx context.Context, orgID string, attempts int) error
	MarkInstanceConnected(ctx context.Context, orgID, jid string) error
	SaveSessionBackup(ctx context.Context, orgID string, payload []byte) (*store.SessionBackup, error)
	LatestSessionBackup(ctx context.Context, orgID string) (*store.SessionBackup, error)
}

// Notifier delivers lifecycle events to the organization's subscribers
// (webhooks, queues). Implementations must not block.
type Notifier interface {
	Notify(orgID string, eventType string, payload map[string]any)
}

// MessageSink receives inbound messages for asynchronous processing. The
// call blocks while the downstream queue is full, which backpressures the
// transport instead of dropping traffic.
type MessageSink func(ctx context.Context, orgID string, msg MessageEvent) error

// Manager owns all live sessions. One Manager per process; every collaborator
// is injected.
type Manager struct {
	registry *Registry
	store    InstanceStore
	factory  ClientFactory
	notifier Notifier
	sink     MessageSink
	cipher   *SessionCipher
	cfg      ReconnectConfig

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewManager wires a session manager from its collaborators.
func NewManager(registry *Registry, st InstanceStore, factory ClientFactory, notifier Notifier, sink MessageSink, cipher *SessionCipher, cfg ReconnectConfig) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		registry: registry,
		store:    st,
		factory:  factory,
		notifier: notifier,
		sink:     sink,
		cipher:   cipher,
		cfg:      cfg,
		baseCtx:  ctx,
		cancel:   cancel,
	}
}

// Initialize creates and connects the session for an organization. When the
// stored credentials are missing and a phone number is given, a pairing code
// is requested, delivered through the notifier and returned together with
// its expiry. The code is empty on the credentialed and QR paths.
func (m *Manager) Initialize(ctx context.Context, orgID, phoneNumber string) (string, error) {
	e, ok := m.registry.create(orgID)
	if !ok {
		return "", ErrAlreadyInitialized
	}

	e.setStatus(StatusInitializing)
	m.persistStatus(orgID, StatusInitializing)

	if _, err := m.store.UpsertInstance(ctx, orgID, phoneNumber); err != nil {
		m.registry.remove(orgID)
		return "", err
	}

	client, err := m.factory(ctx, orgID)
	if err != nil {
		m.registry.remove(orgID)
		m.persistStatus(orgID, StatusDisconnected)
		return "", fmt.Errorf("failed to build client: %w", err)
	}

	e.mu.Lock()
	e.client = client
	e.mu.Unlock()

	m.wg.Add(1)
	go m.supervise(e, client.Events())

	// The supervisor applies the ConnectedEvent, so the entry must already
	// be in connecting before the dial starts.
	e.setStatus(StatusConnecting)
	m.persistStatus(orgID, StatusConnecting)

	if err := client.Connect(ctx); err != nil {
		// Deregister so a later Initialize can try again; the closed
		// client ends the supervisor.
		client.Disconnect()
		m.registry.remove(orgID)
		m.persistStatus(orgID, StatusDisconnected)
		return "", fmt.Errorf("failed to connect: %w", err)
	}

	if !client.IsLoggedIn() && phoneNumber != "" {
		code, err := client.PairPhone(ctx, phoneNumber)
		if err != nil {
			return "", fmt.Errorf("failed to request pairing code: %w", err)
		}
		m.applyPairingCode(e, code, time.Now().Add(codeTTL))
		return code, nil
	}
	return "", nil
}

// supervise consumes the client's event stream. One goroutine per client;
// it exits when the channel closes.
func (m *Manager) supervise(e *entry, events <-chan Event) {
	defer m.wg.Done()
	for ev := range events {
		switch ev := ev.(type) {
		case QRCodeEvent:
			m.applyQRCode(e, ev.Code, ev.ExpiresAt)
		case PairingCodeEvent:
			m.applyPairingCode(e, ev.Code, ev.ExpiresAt)
		case ConnectedEvent:
			m.handleConnected(e, ev)
		case DisconnectedEvent:
			m.handleDisconnect(e, ev.Err)
		case LoggedOutEvent:
			m.handleLoggedOut(e)
		case MessageEvent:
			m.handleMessage(e, ev)
		}
	}
}

func (m *Manager) applyQRCode(e *entry, code string, expiresAt time.Time) {
	if expiresAt.IsZero() {
		expiresAt = time.Now().Add(codeTTL)
	}
	e.mu.Lock()
	e.lastCode = code
	e.codeKind = "qr"
	e.codeUntil = expiresAt
	e.mu.Unlock()

	e.setStatus(StatusPairingPending)
	m.persistStatus(e.orgID, StatusPairingPending)
	log.Info().Str("organizationId", e.orgID).Msg("QR code refreshed")
	m.notifier.Notify(e.orgID, "qr", map[string]any{
		"code":      code,
		"expiresAt": expiresAt,
	})
}

func (m *Manager) applyPairingCode(e *entry, code string, expiresAt time.Time) {
	e.mu.Lock()
	e.lastCode = code
	e.codeKind = "pairing"
	e.codeUntil = expiresAt
	e.mu.Unlock()

	e.setStatus(StatusPairingPending)
	m.persistStatus(e.orgID, StatusPairingPending)
	log.Info().Str("organizationId", e.orgID).Msg("Pairing code issued")
	m.notifier.Notify(e.orgID, "pairing-code", map[string]any{
		"code":      code,
		"expiresAt": expiresAt,
	})
}

func (m *Manager) handleConnected(e *entry, ev ConnectedEvent) {
	e.reconnect.cancelPending()
	if m.cfg.ResetAfterSuccess {
		e.reconnect.reset()
		e.health.resetReconnects()
	}

	e.mu.Lock()
	e.jid = ev.JID
	e.lastCode = ""
	e.mu.Unlock()

	e.setStatus(StatusConnected)
	if err := m.storeConnected(e.orgID, ev.JID); err != nil {
		log.Error().Err(err).Str("organizationId", e.orgID).Msg("Failed to persist connection")
	}
	log.Info().Str("organizationId", e.orgID).Str("jid", ev.JID).Msg("Session connected")
	m.notifier.Notify(e.orgID, "connected", map[string]any{"jid": ev.JID})
}

func (m *Manager) handleDisconnect(e *entry, cause error) {
	// Manual teardown already moved the status; nothing to do.
	if s := e.getStatus(); s == StatusDisconnected || s == StatusRestarting || s == StatusLoggedOut {
		return
	}
	if cause != nil {
		e.health.recordError("disconnect", cause)
	}

	attempt := e.reconnect.next()
	decision := m.cfg.Decide(attempt, cause)
	if !decision.Reconnect {
		e.setStatus(StatusDisconnected)
		m.persistStatus(e.orgID, StatusDisconnected)
		log.Warn().Str("organizationId", e.orgID).Str("reason", decision.Reason).Msg("Giving up on reconnection")
		m.notifier.Notify(e.orgID, "reconnect-failed", map[string]any{
			"attempts": attempt - 1,
			"reason":   decision.Reason,
		})
		return
	}

	e.setStatus(StatusReconnecting)
	m.persistReconnecting(e.orgID, decision.Attempt)
	e.health.recordReconnect()
	log.Info().
		Str("organizationId", e.orgID).
		Int("attempt", decision.Attempt).
		Dur("delay", decision.Delay).
		Msg("Scheduling reconnection")
	m.notifier.Notify(e.orgID, "reconnecting", map[string]any{
		"attempt":       decision.Attempt,
		"maxAttempts":   m.cfg.MaxAttempts,
		"nextRetryInMs": decision.Delay.Milliseconds(),
	})

	cancel := e.reconnect.armCancel()
	m.wg.Add(1)
	go m.attemptReconnect(e, decision, cancel)
}

// attemptReconnect waits out the backoff and dials again. A manual
// disconnect, restart or successful connection cancels the wait.
func (m *Manager) attemptReconnect(e *entry, d Decision, cancel <-chan struct{}) {
	defer m.wg.Done()

	timer := time.NewTimer(d.Delay)
	defer timer.Stop()
	started := time.Now()

	select {
	case <-timer.C:
	case <-cancel:
		return
	case <-m.baseCtx.Done():
		return
	}

	client := e.getClient()
	if client == nil {
		return
	}
	err := client.Connect(m.baseCtx)
	rec := ReconnectAttempt{Attempt: d.Attempt, Delay: d.Delay, StartedAt: started, Success: err == nil}
	if err != nil {
		rec.Error = err.Error()
	}
	e.reconnect.record(rec)

	if err != nil {
		log.Warn().Err(err).Str("organizationId", e.orgID).Int("attempt", d.Attempt).Msg("Reconnection attempt failed")
		m.handleDisconnect(e, err)
	}
}

func (m *Manager) handleLoggedOut(e *entry) {
	e.reconnect.cancelPending()
	e.setStatus(StatusLoggedOut)
	m.persistStatus(e.orgID, StatusLoggedOut)
	log.Warn().Str("organizationId", e.orgID).Msg("Session logged out by remote device")
	m.notifier.Notify(e.orgID, "logged-out", map[string]any{})
}

// sinkRetryDelay is the base backoff between enqueue attempts for one
// inbound message, doubling up to sinkRetryMaxDelay.
const (
	sinkRetryDelay    = 500 * time.Millisecond
	sinkRetryMaxDelay = 30 * time.Second
)

// handleMessage enqueues an inbound message. Losing a message is not
// acceptable, so a failed enqueue is retried with backoff until the broker
// accepts it or the manager shuts down; the blocked supervisor backpressures
// the transport.
func (m *Manager) handleMessage(e *entry, ev MessageEvent) {
	if ev.FromMe {
		return
	}
	e.health.recordProcessed()

	delay := sinkRetryDelay
	for {
		err := m.sink(m.baseCtx, e.orgID, ev)
		if err == nil {
			return
		}
		e.health.recordError("enqueue_failed", err)
		log.Error().Err(err).
			Str("organizationId", e.orgID).
			Str("messageId", ev.ExternalID).
			Dur("retryIn", delay).
			Msg("Failed to enqueue inbound message, retrying")
		select {
		case <-time.After(delay):
		case <-m.baseCtx.Done():
			log.Error().Str("organizationId", e.orgID).Str("messageId", ev.ExternalID).Msg("Shutdown while enqueueing inbound message")
			return
		}
		if delay < sinkRetryMaxDelay {
			delay *= 2
		}
	}
}

// SendText delivers a text message through the organization's session. The
// send is refused while disconnected or throttled.
func (m *Manager) SendText(ctx context.Context, orgID, toJID, text string) (string, error) {
	e, ok := m.registry.get(orgID)
	if !ok {
		return "", ErrNotFound
	}
	if !e.getStatus().Active() {
		return "", ErrNotConnected
	}
	now := time.Now()
	if !e.health.allowSend(now) {
		return "", ErrThrottled
	}

	client := e.getClient()
	id, err := client.SendText(ctx, toJID, text)
	if err != nil {
		e.health.recordFailed(err)
		return "", fmt.Errorf("failed to send message: %w", err)
	}
	e.health.recordSent(now)
	return id, nil
}

// Disconnect tears a session down intentionally. Credentials stay stored so
// a later Initialize resumes without pairing.
func (m *Manager) Disconnect(ctx context.Context, orgID string) error {
	e, ok := m.registry.get(orgID)
	if !ok {
		return ErrNotFound
	}
	e.reconnect.cancelPending()
	e.setStatus(StatusDisconnected)
	m.persistStatus(orgID, StatusDisconnected)
	if client := e.getClient(); client != nil {
		client.Disconnect()
	}
	m.registry.remove(orgID)
	m.notifier.Notify(orgID, "disconnected", map[string]any{"reason": "requested"})
	log.Info().Str("organizationId", orgID).Msg("Session disconnected")
	return nil
}

// Logout unpairs the device and deletes its credentials.
func (m *Manager) Logout(ctx context.Context, orgID string) error {
	e, ok := m.registry.get(orgID)
	if !ok {
		return ErrNotFound
	}
	e.reconnect.cancelPending()
	e.setStatus(StatusLoggedOut)
	m.persistStatus(orgID, StatusLoggedOut)
	if client := e.getClient(); client != nil {
		if err := client.Logout(ctx); err != nil {
			return fmt.Errorf("failed to log out: %w", err)
		}
	}
	m.registry.remove(orgID)
	return nil
}

// Restart tears the session down and initializes it again with the stored
// phone number.
func (m *Manager) Restart(ctx context.Context, orgID string) error {
	e, ok := m.registry.get(orgID)
	if !ok {
		return ErrNotFound
	}
	e.reconnect.cancelPending()
	e.setStatus(StatusRestarting)
	m.persistStatus(orgID, StatusRestarting)
	if client := e.getClient(); client != nil {
		client.Disconnect()
	}
	m.registry.remove(orgID)

	phone := ""
	if inst, err := m.store.GetInstanceByOrg(ctx, orgID); err == nil {
		phone = inst.PhoneNumber
	}
	log.Info().Str("organizationId", orgID).Msg("Restarting session")
	_, err := m.Initialize(ctx, orgID, phone)
	return err
}

// ForceReconnect skips any pending backoff and dials immediately, resetting
// the attempt counter.
func (m *Manager) ForceReconnect(ctx context.Context, orgID string) error {
	e, ok := m.registry.get(orgID)
	if !ok {
		return ErrNotFound
	}
	e.reconnect.cancelPending()
	e.reconnect.reset()
	client := e.getClient()
	if client == nil {
		return ErrNotConnected
	}
	e.setStatus(StatusReconnecting)
	m.persistStatus(orgID, StatusReconnecting)
	return client.Connect(ctx)
}

// RegeneratePairingCode requests a fresh pairing code for the stored phone
// number. Valid only while pairing is pending.
func (m *Manager) RegeneratePairingCode(ctx context.Context, orgID string) (string, error) {
	e, ok := m.registry.get(orgID)
	if !ok {
		return "", ErrNotFound
	}
	client := e.getClient()
	if client == nil {
		return "", ErrNotConnected
	}
	inst, err := m.store.GetInstanceByOrg(ctx, orgID)
	if err != nil {
		return "", err
	}
	code, err := client.PairPhone(ctx, inst.PhoneNumber)
	if err != nil {
		return "", fmt.Errorf("failed to regenerate pairing code: %w", err)
	}
	m.applyPairingCode(e, code, time.Now().Add(codeTTL))
	return code, nil
}

// CurrentCode returns the live pairing or QR code. Expired codes are not
// returned.
func (m *Manager) CurrentCode(orgID string) (code, kind string, expiresAt time.Time, err error) {
	e, ok := m.registry.get(orgID)
	if !ok {
		return "", "", time.Time{}, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lastCode == "" {
		return "", "", time.Time{}, ErrNotFound
	}
	if time.Now().After(e.codeUntil) {
		return "", "", time.Time{}, ErrCodeExpired
	}
	return e.lastCode, e.codeKind, e.codeUntil, nil
}

// Status returns the lifecycle state of a session.
func (m *Manager) Status(orgID string) (Status, error) {
	e, ok := m.registry.get(orgID)
	if !ok {
		return "", ErrNotFound
	}
	return e.getStatus(), nil
}

// Health returns the health snapshot of one session.
func (m *Manager) Health(orgID string) (HealthSnapshot, error) {
	e, ok := m.registry.get(orgID)
	if !ok {
		return HealthSnapshot{}, ErrNotFound
	}
	return m.snapshotEntry(e, time.Now()), nil
}

// HealthAll returns snapshots for every live session.
func (m *Manager) HealthAll() []HealthSnapshot {
	entries := m.registry.all()
	out := make([]HealthSnapshot, 0, len(entries))
	now := time.Now()
	for _, e := range entries {
		out = append(out, m.snapshotEntry(e, now))
	}
	return out
}

func (m *Manager) snapshotEntry(e *entry, now time.Time) HealthSnapshot {
	snap := e.health.snapshot(e.orgID, e.getStatus(), credentialsValid(e), now)

	e.mu.Lock()
	if e.lastCode != "" {
		until := e.codeUntil
		snap.PairingCodeFresh = now.Before(until)
		snap.PairingCodeUntil = &until
	}
	e.mu.Unlock()
	return snap
}

// credentialsValid reports whether the session holds a structurally usable
// credential bundle, i.e. a client with a registered device identity.
func credentialsValid(e *entry) bool {
	client := e.getClient()
	return client != nil && client.IsLoggedIn()
}

// Diagnose runs the diagnostic checks over a session's health snapshot.
func (m *Manager) Diagnose(orgID string) (Diagnosis, error) {
	snap, err := m.Health(orgID)
	if err != nil {
		return Diagnosis{}, err
	}
	return diagnose(snap), nil
}

// ReconnectHistory returns the recorded reconnect attempts of a session.
func (m *Manager) ReconnectHistory(orgID string) ([]ReconnectAttempt, error) {
	e, ok := m.registry.get(orgID)
	if !ok {
		return nil, ErrNotFound
	}
	return e.reconnect.History(), nil
}

// BackupSession snapshots the session credentials, encrypts them and stores
// the backup.
func (m *Manager) BackupSession(ctx context.Context, orgID string) (*store.SessionBackup, error) {
	e, ok := m.registry.get(orgID)
	if !ok {
		return nil, ErrNotFound
	}
	client := e.getClient()
	if client == nil || !client.IsLoggedIn() {
		return nil, ErrNotConnected
	}
	plain, err := client.SnapshotCredentials(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot credentials: %w", err)
	}
	sealed, err := m.cipher.Encrypt(plain)
	if err != nil {
		return nil, err
	}
	backup, err := m.store.SaveSessionBackup(ctx, orgID, sealed)
	if err != nil {
		return nil, err
	}
	log.Info().Str("organizationId", orgID).Str("backupId", backup.ID).Msg("Session backup stored")
	return backup, nil
}

// ValidateBackup decrypts the latest stored backup and reports whether it is
// intact.
func (m *Manager) ValidateBackup(ctx context.Context, orgID string) error {
	backup, err := m.store.LatestSessionBackup(ctx, orgID)
	if err != nil {
		return err
	}
	plain, err := m.cipher.Decrypt(backup.Payload)
	if err != nil {
		return err
	}
	if len(plain) == 0 {
		return ErrBackupCorrupted
	}
	return nil
}

// BackupAll stores a backup for every connected session. Used by the
// maintenance scheduler.
func (m *Manager) BackupAll(ctx context.Context) {
	for _, e := range m.registry.all() {
		if !e.getStatus().Active() {
			continue
		}
		if _, err := m.BackupSession(ctx, e.orgID); err != nil {
			log.Error().Err(err).Str("organizationId", e.orgID).Msg("Scheduled backup failed")
		}
	}
}

// Close disconnects every session and waits for supervisors to finish.
func (m *Manager) Close() {
	for _, e := range m.registry.all() {
		e.reconnect.cancelPending()
		if client := e.getClient(); client != nil {
			client.Disconnect()
		}
	}
	m.cancel()
	m.wg.Wait()
}

func (m *Manager) persistStatus(orgID string, status Status) {
	ctx, cancel := context.WithTimeout(m.baseCtx, 5*time.Second)
	defer cancel()
	if err := m.store.UpdateInstanceStatus(ctx, orgID, string(status)); err != nil {
		log.Error().Err(err).Str("organizationId", orgID).Str("status", string(status)).Msg("Failed to persist status")
	}
}

// persistReconnecting writes the reconnecting status together with the
// attempt counter, so an operator can see how deep into the backoff a
// session is from the instance row alone.
func (m *Manager) persistReconnecting(orgID string, attempts int) {
	ctx, cancel := context.WithTimeout(m.baseCtx, 5*time.Second)
	defer cancel()
	if err := m.store.MarkInstanceReconnecting(ctx, orgID, attempts); err != nil {
		log.Error().Err(err).Str("organizationId", orgID).Int("attempts", attempts).Msg("Failed to persist reconnect attempt")
	}
}

func (m *Manager) storeConnected(orgID, jid string) error {
	ctx, cancel := context.WithTimeout(m.baseCtx, 5*time.Second)
	defer cancel()
	return m.store.MarkInstanceConnected(ctx, orgID, jid)
}
