package session

import (
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// Throughput thresholds over the rolling one minute window. WhatsApp starts
// throttling accounts past roughly twenty messages per minute.
const (
	throttleWarnPerMinute  = 15
	throttleLimitPerMinute = 20

	heapWarnRatio      = 0.9
	reconnectWarnCount = 2

	idleWarnUptime   = 24 * time.Hour
	idleWarnMessages = 10
)

// LastError is the most recent failure recorded for a session.
type LastError struct {
	Message string    `json:"message"`
	Code    string    `json:"code"`
	At      time.Time `json:"at"`
}

// HealthSnapshot is a point-in-time view of one session's health.
type HealthSnapshot struct {
	OrganizationID    string        `json:"organizationId"`
	Status            Status        `json:"status"`
	Healthy           bool          `json:"healthy"`
	Uptime            time.Duration `json:"uptime"`
	MessagesProcessed int64         `json:"messagesProcessed"`
	MessagesSent      int64         `json:"messagesSent"`
	MessagesFailed    int64         `json:"messagesFailed"`
	MessagesLastMin   int           `json:"messagesLastMinute"`
	Throttled         bool          `json:"throttled"`
	Reconnects        int           `json:"reconnects"`
	CredentialsValid  bool          `json:"credentialsValid"`
	LastError         *LastError    `json:"lastError,omitempty"`
	PairingCodeFresh  bool          `json:"pairingCodeFresh"`
	PairingCodeUntil  *time.Time    `json:"pairingCodeExpiresAt,omitempty"`
	HeapAllocBytes    uint64        `json:"heapAllocBytes"`
	HeapRatio         float64       `json:"heapRatio"`
	RSSBytes          uint64        `json:"rssBytes"`
	Warnings          []string      `json:"warnings"`
	CheckedAt         time.Time     `json:"checkedAt"`
}

// healthTracker accumulates per-session counters. One per registry entry.
type healthTracker struct {
	mu         sync.Mutex
	startedAt  time.Time
	processed  int64
	sent       int64
	failed     int64
	reconnects int
	sendTimes  []time.Time
	lastErr    *LastError
}

func newHealthTracker() *healthTracker {
	return &healthTracker{startedAt: time.Now()}
}

func (h *healthTracker) recordProcessed() {
	h.mu.Lock()
	h.processed++
	h.mu.Unlock()
}

func (h *healthTracker) recordSent(at time.Time) {
	h.mu.Lock()
	h.sent++
	h.sendTimes = append(h.sendTimes, at)
	h.trimLocked(at)
	h.mu.Unlock()
}

func (h *healthTracker) recordFailed(err error) {
	h.mu.Lock()
	h.failed++
	h.lastErr = &LastError{Message: err.Error(), Code: "send_failed", At: time.Now()}
	h.mu.Unlock()
}

// recordError keeps the most recent failure so a health snapshot can show
// what went wrong last, tagged with a stable code.
func (h *healthTracker) recordError(code string, err error) {
	h.mu.Lock()
	h.lastErr = &LastError{Message: err.Error(), Code: code, At: time.Now()}
	h.mu.Unlock()
}

func (h *healthTracker) recordReconnect() {
	h.mu.Lock()
	h.reconnects++
	h.mu.Unlock()
}

func (h *healthTracker) resetReconnects() {
	h.mu.Lock()
	h.reconnects = 0
	h.mu.Unlock()
}

// trimLocked drops send timestamps older than the rolling window.
func (h *healthTracker) trimLocked(now time.Time) {
	cutoff := now.Add(-time.Minute)
	i := 0
	for i < len(h.sendTimes) && h.sendTimes[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		h.sendTimes = h.sendTimes[i:]
	}
}

// sentLastMinute counts sends inside the rolling window.
func (h *healthTracker) sentLastMinute(now time.Time) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.trimLocked(now)
	return len(h.sendTimes)
}

// allowSend reports whether another outgoing message stays under the
// throttle limit.
func (h *healthTracker) allowSend(now time.Time) bool {
	return h.sentLastMinute(now) < throttleLimitPerMinute
}

// snapshot builds the health view for one session. now is injectable for
// tests; pass time.Now() in production.
func (h *healthTracker) snapshot(orgID string, status Status, credsValid bool, now time.Time) HealthSnapshot {
	lastMin := h.sentLastMinute(now)

	h.mu.Lock()
	processed := h.processed
	sent := h.sent
	failed := h.failed
	reconnects := h.reconnects
	uptime := now.Sub(h.startedAt)
	var lastErr *LastError
	if h.lastErr != nil {
		copied := *h.lastErr
		lastErr = &copied
	}
	h.mu.Unlock()

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	heapRatio := 0.0
	if mem.HeapSys > 0 {
		heapRatio = float64(mem.HeapAlloc) / float64(mem.HeapSys)
	}

	snap := HealthSnapshot{
		OrganizationID:    orgID,
		Status:            status,
		Uptime:            uptime,
		MessagesProcessed: processed,
		MessagesSent:      sent,
		MessagesFailed:    failed,
		MessagesLastMin:   lastMin,
		Throttled:         lastMin >= throttleLimitPerMinute,
		Reconnects:        reconnects,
		CredentialsValid:  credsValid,
		LastError:         lastErr,
		HeapAllocBytes:    mem.HeapAlloc,
		HeapRatio:         heapRatio,
		RSSBytes:          processRSS(),
		CheckedAt:         now,
	}

	if lastMin > throttleWarnPerMinute {
		snap.Warnings = append(snap.Warnings, "approaching message rate limit")
	}
	if reconnects > reconnectWarnCount {
		snap.Warnings = append(snap.Warnings, "frequent reconnections")
	}
	if heapRatio > heapWarnRatio {
		snap.Warnings = append(snap.Warnings, "high heap usage")
	}
	if uptime > idleWarnUptime && processed < idleWarnMessages {
		snap.Warnings = append(snap.Warnings, "long uptime with almost no traffic")
	}

	snap.Healthy = status == StatusConnected && !snap.Throttled && len(snap.Warnings) == 0
	return snap
}

// CheckResult is one diagnostic check outcome.
type CheckResult struct {
	Name           string `json:"name"`
	Level          string `json:"level"`
	Detail         string `json:"detail"`
	Recommendation string `json:"recommendation,omitempty"`
}

// Diagnosis aggregates the diagnostic checks for one session. Overall is the
// worst level across checks.
type Diagnosis struct {
	OrganizationID string        `json:"organizationId"`
	Overall        string        `json:"overall"`
	Checks         []CheckResult `json:"checks"`
	CheckedAt      time.Time     `json:"checkedAt"`
}

const (
	levelOK      = "ok"
	levelWarning = "warning"
	levelError   = "error"
)

// diagnose evaluates connection, session stability, performance and rate
// limit checks from a health snapshot.
func diagnose(snap HealthSnapshot) Diagnosis {
	var checks []CheckResult

	switch {
	case snap.Status == StatusConnected:
		checks = append(checks, CheckResult{Name: "connection", Level: levelOK, Detail: "session connected"})
	case snap.Status == StatusReconnecting:
		checks = append(checks, CheckResult{
			Name: "connection", Level: levelWarning, Detail: "session is reconnecting",
			Recommendation: "wait for the backoff to finish or force a reconnect",
		})
	default:
		checks = append(checks, CheckResult{
			Name: "connection", Level: levelError, Detail: "session is " + string(snap.Status),
			Recommendation: "connect the instance or pair the device again",
		})
	}

	switch {
	case !snap.CredentialsValid:
		checks = append(checks, CheckResult{
			Name: "session", Level: levelError,
			Detail:         "session credentials are missing or incomplete",
			Recommendation: "pair the device again or restore the latest backup",
		})
	case snap.Reconnects > reconnectWarnCount:
		checks = append(checks, CheckResult{
			Name: "session", Level: levelWarning,
			Detail:         "frequent reconnections since the last stable connection",
			Recommendation: "check network stability and whether the phone stays online",
		})
	default:
		checks = append(checks, CheckResult{Name: "session", Level: levelOK, Detail: "session stable"})
	}

	perf := CheckResult{Name: "performance", Level: levelOK, Detail: "memory and throughput normal"}
	if snap.HeapRatio > heapWarnRatio {
		perf.Level = levelWarning
		perf.Detail = "heap usage above ninety percent"
		perf.Recommendation = "restart the gateway during a quiet window"
	} else if snap.Uptime > idleWarnUptime && snap.MessagesProcessed < idleWarnMessages {
		perf.Level = levelWarning
		perf.Detail = "long uptime with almost no traffic"
		perf.Recommendation = "confirm the number still receives messages"
	}
	checks = append(checks, perf)

	rate := CheckResult{Name: "rate-limit", Level: levelOK, Detail: "send rate normal"}
	if snap.Throttled {
		rate.Level = levelError
		rate.Detail = "send rate at the per-minute limit, messages are being rejected"
		rate.Recommendation = "spread outgoing messages over a longer window"
	} else if snap.MessagesLastMin > throttleWarnPerMinute {
		rate.Level = levelWarning
		rate.Detail = "send rate approaching the per-minute limit"
		rate.Recommendation = "slow down outgoing messages"
	}
	checks = append(checks, rate)

	overall := levelOK
	for _, c := range checks {
		if c.Level == levelError {
			overall = levelError
			break
		}
		if c.Level == levelWarning {
			overall = levelWarning
		}
	}

	return Diagnosis{
		OrganizationID: snap.OrganizationID,
		Overall:        overall,
		Checks:         checks,
		CheckedAt:      snap.CheckedAt,
	}
}

// processRSS reads the resident set size of this process. Best effort; zero
// when the platform does not expose it.
func processRSS() uint64 {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return 0
	}
	info, err := proc.MemoryInfo()
	if err != nil || info == nil {
		return 0
	}
	return info.RSS
}
