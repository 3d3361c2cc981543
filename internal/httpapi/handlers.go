package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"pawzap/internal/router"
)

// HealthSummary reports process-level liveness plus a per-session rollup.
func (s *Server) HealthSummary() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snapshots := s.sessions.HealthAll()
		healthy := 0
		for _, snap := range snapshots {
			if snap.Healthy {
				healthy++
			}
		}
		s.respondWithJSON(w, http.StatusOK, map[string]any{
			"status":          "ok",
			"uptimeSeconds":   int(time.Since(s.startedAt).Seconds()),
			"sessions":        len(snapshots),
			"healthySessions": healthy,
		})
	}
}

// HealthAll returns the full health snapshot of every active session.
func (s *Server) HealthAll() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.respondWithJSON(w, http.StatusOK, s.sessions.HealthAll())
	}
}

// Diagnostics exposes circuit breaker metrics and delivery backlog for
// debugging degraded deployments.
func (s *Server) Diagnostics() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		breakers := make([]any, 0, len(s.breakers))
		for _, cb := range s.breakers {
			breakers = append(breakers, cb.Metrics())
		}
		payload := map[string]any{
			"breakers": breakers,
		}
		if s.push != nil {
			payload["pendingDeliveries"] = s.push.PendingCount()
			payload["failedDeliveries"] = len(s.push.FailedEvents())
		}
		s.respondWithJSON(w, http.StatusOK, payload)
	}
}

// SessionDiagnostics runs the connection, session, performance and rate
// limit checks for one session.
func (s *Server) SessionDiagnostics() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		diag, err := s.sessions.Diagnose(orgID(r))
		if err != nil {
			s.respondError(w, err)
			return
		}
		s.respondWithJSON(w, http.StatusOK, diag)
	}
}

// EnqueueWebhook accepts an inbound message from an external integration and
// queues it for the worker. A malformed request enqueues nothing.
func (s *Server) EnqueueWebhook() http.HandlerFunc {
	type inboundMessage struct {
		ExternalID string    `json:"externalId"`
		FromJID    string    `json:"fromJid"`
		FromNumber string    `json:"fromNumber"`
		PushName   string    `json:"pushName"`
		Text       string    `json:"text"`
		Caption    string    `json:"caption"`
		MimeType   string    `json:"mimeType"`
		MediaURL   string    `json:"mediaUrl"`
		Timestamp  time.Time `json:"timestamp"`
	}
	type request struct {
		OrganizationID string         `json:"organizationId"`
		Message        inboundMessage `json:"message"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if s.jobs == nil {
			s.respondWithJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "queue not configured"})
			return
		}
		var req request
		if err := s.decodeBody(r, &req); err != nil {
			s.respondWithJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid request body"})
			return
		}
		msg := req.Message
		if req.OrganizationID == "" || msg.ExternalID == "" || msg.FromNumber == "" {
			s.respondWithJSON(w, http.StatusBadRequest, map[string]any{"error": "organizationId, message.externalId and message.fromNumber are required"})
			return
		}
		if msg.Timestamp.IsZero() {
			msg.Timestamp = time.Now().UTC()
		}
		meta := router.MessageMeta{
			ExternalID: msg.ExternalID,
			FromJID:    msg.FromJID,
			FromNumber: msg.FromNumber,
			PushName:   msg.PushName,
			Timestamp:  msg.Timestamp,
		}
		var payload router.Payload
		if msg.MediaURL != "" || msg.MimeType != "" {
			payload = router.MediaMessage{MessageMeta: meta, Caption: msg.Caption, MimeType: msg.MimeType, MediaURL: msg.MediaURL}
		} else {
			payload = router.TextMessage{MessageMeta: meta, Text: msg.Text}
		}
		job, err := router.NewJob(req.OrganizationID, payload)
		if err != nil {
			s.respondError(w, err)
			return
		}
		if err := s.jobs.PublishJob(r.Context(), job); err != nil {
			s.respondError(w, err)
			return
		}
		log.Info().Str("orgId", req.OrganizationID).Str("externalId", msg.ExternalID).Msg("Webhook message queued")
		s.respondWithJSON(w, http.StatusAccepted, map[string]any{"queued": true, "jobId": job.ID})
	}
}

// Connect initializes the WhatsApp session for an organization. When the
// device is not yet paired and a phone number is supplied, the pairing code
// is returned in the response alongside its expiry.
func (s *Server) Connect() http.HandlerFunc {
	type request struct {
		PhoneNumber string `json:"phoneNumber"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req request
		if r.Body != nil && r.ContentLength != 0 {
			if err := s.decodeBody(r, &req); err != nil {
				s.respondWithJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid request body"})
				return
			}
		}
		org := orgID(r)
		code, err := s.sessions.Initialize(r.Context(), org, req.PhoneNumber)
		if err != nil {
			s.respondError(w, err)
			return
		}
		log.Info().Str("orgId", org).Msg("Session initialization requested")
		resp := map[string]any{"orgId": org, "status": "connecting"}
		if code != "" {
			resp["status"] = "pairing_pending"
			resp["pairingCode"] = code
			if _, _, expiresAt, err := s.sessions.CurrentCode(org); err == nil {
				resp["pairingCodeExpiresAt"] = expiresAt
			}
		}
		s.respondWithJSON(w, http.StatusAccepted, resp)
	}
}

func (s *Server) Disconnect() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.sessions.Disconnect(r.Context(), orgID(r)); err != nil {
			s.respondError(w, err)
			return
		}
		s.respondWithJSON(w, http.StatusOK, map[string]any{"status": "disconnected"})
	}
}

func (s *Server) Logout() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.sessions.Logout(r.Context(), orgID(r)); err != nil {
			s.respondError(w, err)
			return
		}
		s.respondWithJSON(w, http.StatusOK, map[string]any{"status": "logged_out"})
	}
}

func (s *Server) Restart() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.sessions.Restart(r.Context(), orgID(r)); err != nil {
			s.respondError(w, err)
			return
		}
		s.respondWithJSON(w, http.StatusAccepted, map[string]any{"status": "restarting"})
	}
}

// ForceReconnect skips any pending backoff and reconnects now.
func (s *Server) ForceReconnect() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.sessions.ForceReconnect(r.Context(), orgID(r)); err != nil {
			s.respondError(w, err)
			return
		}
		s.respondWithJSON(w, http.StatusAccepted, map[string]any{"status": "reconnecting"})
	}
}

func (s *Server) SessionStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, err := s.sessions.Status(orgID(r))
		if err != nil {
			s.respondError(w, err)
			return
		}
		s.respondWithJSON(w, http.StatusOK, map[string]any{"orgId": orgID(r), "status": string(status)})
	}
}

func (s *Server) SessionHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap, err := s.sessions.Health(orgID(r))
		if err != nil {
			s.respondError(w, err)
			return
		}
		s.respondWithJSON(w, http.StatusOK, snap)
	}
}

// CurrentCode returns the active QR or pairing code, 410 when it expired.
func (s *Server) CurrentCode() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		code, kind, expiresAt, err := s.sessions.CurrentCode(orgID(r))
		if err != nil {
			s.respondError(w, err)
			return
		}
		s.respondWithJSON(w, http.StatusOK, map[string]any{
			"code":      code,
			"kind":      kind,
			"expiresAt": expiresAt,
		})
	}
}

func (s *Server) RegeneratePairingCode() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		code, err := s.sessions.RegeneratePairingCode(r.Context(), orgID(r))
		if err != nil {
			s.respondError(w, err)
			return
		}
		s.respondWithJSON(w, http.StatusOK, map[string]any{"code": code})
	}
}

func (s *Server) ReconnectHistory() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		history, err := s.sessions.ReconnectHistory(orgID(r))
		if err != nil {
			s.respondError(w, err)
			return
		}
		s.respondWithJSON(w, http.StatusOK, history)
	}
}

// SendText sends a message through the organization's session. Throttled
// sessions get a 429.
func (s *Server) SendText() http.HandlerFunc {
	type request struct {
		To   string `json:"to"`
		Text string `json:"text"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req request
		if err := s.decodeBody(r, &req); err != nil {
			s.respondWithJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid request body"})
			return
		}
		if req.To == "" || req.Text == "" {
			s.respondWithJSON(w, http.StatusBadRequest, map[string]any{"error": "to and text are required"})
			return
		}
		externalID, err := s.sessions.SendText(r.Context(), orgID(r), req.To, req.Text)
		if err != nil {
			s.respondError(w, err)
			return
		}
		s.respondWithJSON(w, http.StatusOK, map[string]any{"messageId": externalID})
	}
}

func (s *Server) BackupSession() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		backup, err := s.sessions.BackupSession(r.Context(), orgID(r))
		if err != nil {
			s.respondError(w, err)
			return
		}
		s.respondWithJSON(w, http.StatusCreated, map[string]any{
			"backupId":  backup.ID,
			"createdAt": backup.CreatedAt,
		})
	}
}

func (s *Server) ValidateBackup() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.sessions.ValidateBackup(r.Context(), orgID(r)); err != nil {
			s.respondError(w, err)
			return
		}
		s.respondWithJSON(w, http.StatusOK, map[string]any{"valid": true})
	}
}

// CreateOrganization registers a tenant. An optional webhookUrl enables
// event push for it right away.
func (s *Server) CreateOrganization() http.HandlerFunc {
	type request struct {
		Name          string `json:"name"`
		BusinessHours string `json:"businessHours"`
		WebhookURL    string `json:"webhookUrl"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req request
		if err := s.decodeBody(r, &req); err != nil || req.Name == "" {
			s.respondWithJSON(w, http.StatusBadRequest, map[string]any{"error": "name is required"})
			return
		}
		org, err := s.store.CreateOrganization(r.Context(), req.Name, req.BusinessHours)
		if err != nil {
			s.respondError(w, err)
			return
		}
		if req.WebhookURL != "" {
			if err := s.store.SetOrganizationWebhook(r.Context(), org.ID, req.WebhookURL); err != nil {
				s.respondError(w, err)
				return
			}
			org.WebhookURL = req.WebhookURL
		}
		s.respondWithJSON(w, http.StatusCreated, org)
	}
}

func (s *Server) ListOrganizations() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		orgs, err := s.store.ListOrganizations(r.Context())
		if err != nil {
			s.respondError(w, err)
			return
		}
		s.respondWithJSON(w, http.StatusOK, orgs)
	}
}

func (s *Server) SetWebhook() http.HandlerFunc {
	type request struct {
		URL string `json:"url"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req request
		if err := s.decodeBody(r, &req); err != nil {
			s.respondWithJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid request body"})
			return
		}
		if err := s.store.SetOrganizationWebhook(r.Context(), orgID(r), req.URL); err != nil {
			s.respondError(w, err)
			return
		}
		s.respondWithJSON(w, http.StatusOK, map[string]any{"webhookUrl": req.URL})
	}
}

// AddOwnerNumber registers a staff phone number. The number is stored
// digit-normalized so classification matches regardless of formatting.
func (s *Server) AddOwnerNumber() http.HandlerFunc {
	type request struct {
		PhoneNumber string `json:"phoneNumber"`
		Label       string `json:"label"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req request
		if err := s.decodeBody(r, &req); err != nil || req.PhoneNumber == "" {
			s.respondWithJSON(w, http.StatusBadRequest, map[string]any{"error": "phoneNumber is required"})
			return
		}
		owner, err := s.store.AddOwnerNumber(r.Context(), orgID(r), router.NormalizeNumber(req.PhoneNumber), req.Label)
		if err != nil {
			s.respondError(w, err)
			return
		}
		s.respondWithJSON(w, http.StatusCreated, owner)
	}
}

func (s *Server) ListOwnerNumbers() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		numbers, err := s.store.ListOwnerNumbers(r.Context(), orgID(r))
		if err != nil {
			s.respondError(w, err)
			return
		}
		s.respondWithJSON(w, http.StatusOK, map[string]any{"owners": numbers})
	}
}

// UsageSummary aggregates AI spend since the given RFC3339 time, defaulting
// to the start of the current month.
func (s *Server) UsageSummary() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		since := startOfMonth(time.Now().UTC())
		if raw := r.URL.Query().Get("since"); raw != "" {
			parsed, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				s.respondWithJSON(w, http.StatusBadRequest, map[string]any{"error": "since must be RFC3339"})
				return
			}
			since = parsed
		}
		summary, err := s.store.SummarizeUsage(r.Context(), orgID(r), since)
		if err != nil {
			s.respondError(w, err)
			return
		}
		s.respondWithJSON(w, http.StatusOK, map[string]any{"since": since, "usage": summary})
	}
}

// DeliveryStatus reports the push backlog.
func (s *Server) DeliveryStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.push == nil {
			s.respondWithJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "delivery manager not initialized"})
			return
		}
		s.respondWithJSON(w, http.StatusOK, map[string]any{
			"status":        "running",
			"pendingEvents": s.push.PendingCount(),
			"failedEvents":  s.push.FailedEvents(),
		})
	}
}

func (s *Server) DeliveryEventStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.push == nil {
			s.respondWithJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "delivery manager not initialized"})
			return
		}
		event, ok := s.push.EventStatus(mux.Vars(r)["eventId"])
		if !ok {
			s.respondWithJSON(w, http.StatusNotFound, map[string]any{"error": "event not found or already delivered"})
			return
		}
		s.respondWithJSON(w, http.StatusOK, event)
	}
}

func startOfMonth(now time.Time) time.Time {
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
}
