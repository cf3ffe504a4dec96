// Package metrics tracks console runtime statistics.
package metrics

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics tracks console runtime statistics.
// All counters use atomic operations for lock-free concurrent access.
type Metrics struct {
	startTime time.Time

	// Auth counters
	SuccessfulLogins atomic.Int64 // passcode logins accepted
	FailedLogins     atomic.Int64 // passcode logins rejected
	Logouts          atomic.Int64 // explicit logouts

	// Moderation counters
	BanCount            atomic.Int64 // identities banned
	UnbanCount          atomic.Int64 // identities unbanned
	IdentitiesDeleted   atomic.Int64 // identities deleted
	MessagesDeleted     atomic.Int64 // chat messages deleted
	ClampedBans         atomic.Int64 // bans narrowed to the standard-tier duration
	RejectedModerations atomic.Int64 // moderation requests that returned an error

	// Audit counters
	AuditEntries       atomic.Int64 // audit entries persisted
	AuditWriteFailures atomic.Int64 // audit entries that could not be persisted

	// Command counters
	CommandsSubmitted atomic.Int64 // slash commands submitted

	mu      sync.RWMutex
	sources []Source
}

// Source is an externally owned value exported alongside the counters,
// such as the scheduler's sync count.
type Source struct {
	Name  string
	Help  string
	Type  string // "counter" or "gauge"
	Value func() int64
}

// New creates a new Metrics instance with the start time set to now.
func New() *Metrics {
	return &Metrics{
		startTime: time.Now(),
	}
}

// Register adds an external value to the exposition output.
func (m *Metrics) Register(src Source) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sources = append(m.sources, src)
}

func (m *Metrics) registered() []Source {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Source(nil), m.sources...)
}

// Snapshot is a point-in-time view of all metrics as a serializable struct.
type Snapshot struct {
	Uptime        string `json:"uptime"`
	UptimeSeconds int64  `json:"uptime_seconds"`

	SuccessfulLogins int64 `json:"successful_logins"`
	FailedLogins     int64 `json:"failed_logins"`
	Logouts          int64 `json:"logouts"`

	BanCount            int64 `json:"ban_count"`
	UnbanCount          int64 `json:"unban_count"`
	IdentitiesDeleted   int64 `json:"identities_deleted"`
	MessagesDeleted     int64 `json:"messages_deleted"`
	ClampedBans         int64 `json:"clamped_bans"`
	RejectedModerations int64 `json:"rejected_moderations"`

	AuditEntries       int64 `json:"audit_entries"`
	AuditWriteFailures int64 `json:"audit_write_failures"`

	CommandsSubmitted int64 `json:"commands_submitted"`
}

// Snapshot returns a read-consistent snapshot of all metrics.
func (m *Metrics) Snapshot() Snapshot {
	uptime := time.Since(m.startTime)
	return Snapshot{
		Uptime:              uptime.Truncate(time.Second).String(),
		UptimeSeconds:       int64(uptime.Seconds()),
		SuccessfulLogins:    m.SuccessfulLogins.Load(),
		FailedLogins:        m.FailedLogins.Load(),
		Logouts:             m.Logouts.Load(),
		BanCount:            m.BanCount.Load(),
		UnbanCount:          m.UnbanCount.Load(),
		IdentitiesDeleted:   m.IdentitiesDeleted.Load(),
		MessagesDeleted:     m.MessagesDeleted.Load(),
		ClampedBans:         m.ClampedBans.Load(),
		RejectedModerations: m.RejectedModerations.Load(),
		AuditEntries:        m.AuditEntries.Load(),
		AuditWriteFailures:  m.AuditWriteFailures.Load(),
		CommandsSubmitted:   m.CommandsSubmitted.Load(),
	}
}

// JSON returns the metrics snapshot as a JSON string.
func (m *Metrics) JSON() string {
	data, err := json.MarshalIndent(m.Snapshot(), "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}

// LogSummary writes a periodic metrics summary to the logger.
func (m *Metrics) LogSummary() {
	s := m.Snapshot()
	slog.Info("metrics",
		"uptime", s.Uptime,
		"logins", s.SuccessfulLogins,
		"failed_logins", s.FailedLogins,
		"bans", s.BanCount,
		"unbans", s.UnbanCount,
		"clamped", s.ClampedBans,
		"audit_failures", s.AuditWriteFailures,
	)
}

// StartPeriodicLog starts a goroutine that logs metrics every interval.
// It stops when the done channel is closed.
func (m *Metrics) StartPeriodicLog(interval time.Duration, done <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				m.LogSummary()
			}
		}
	}()
}
