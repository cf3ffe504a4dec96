// Package audit records moderation transitions to the append-only trail and
// announces them on the notification bus.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/NicolasHaas/nexusconsole/pkg/events"
	"github.com/NicolasHaas/nexusconsole/pkg/metrics"
	"github.com/NicolasHaas/nexusconsole/pkg/model"
)

// Store is the audit slice of the identity store.
type Store interface {
	AppendAuditLog(ctx context.Context, entry *model.AdminLogEntry) error
	ListAuditLog(ctx context.Context, limit int) ([]model.AdminLogEntry, error)
}

// Logger writes audit entries. Recording is best effort: a persistence
// failure is logged and counted but never reported to the caller.
type Logger struct {
	store   Store
	bus     *events.Bus
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// New creates an audit logger. bus may be nil to disable toasts.
func New(store Store, bus *events.Bus, m *metrics.Metrics, logger *slog.Logger) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.New()
	}
	return &Logger{
		store:   store,
		bus:     bus,
		metrics: m,
		logger:  logger,
		now:     time.Now,
	}
}

// Record appends entry to the trail and publishes a toast for it.
func (l *Logger) Record(ctx context.Context, entry model.AdminLogEntry) {
	if entry.OccurredAt.IsZero() {
		entry.OccurredAt = l.now().UTC()
	}

	if err := l.store.AppendAuditLog(ctx, &entry); err != nil {
		l.metrics.AuditWriteFailures.Add(1)
		l.logger.Warn("audit write failed",
			"action", entry.Action,
			"actor", entry.ActorRef,
			"target", entry.TargetRef,
			"err", err,
		)
	} else {
		l.metrics.AuditEntries.Add(1)
		l.logger.Info("audit",
			"action", entry.Action,
			"actor", entry.ActorRef,
			"target", entry.TargetRef,
			"detail", entry.Detail,
		)
	}

	if l.bus != nil {
		l.bus.Publish(events.Event{
			Topic:       events.TopicToastPublished,
			IdentityRef: entry.TargetRef,
			Toast:       ToastFor(entry),
		})
	}
}

// Recent returns up to limit entries, newest first.
func (l *Logger) Recent(ctx context.Context, limit int) ([]model.AdminLogEntry, error) {
	entries, err := l.store.ListAuditLog(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: recent: %w", err)
	}
	return entries, nil
}

// ToastFor renders the operator-visible notification for an entry.
func ToastFor(entry model.AdminLogEntry) *events.Toast {
	toast := &events.Toast{Message: entry.Detail}
	switch entry.Action {
	case model.ActionBan:
		toast.Title, toast.Severity = "Access terminated", events.SeverityWarning
	case model.ActionUnban:
		toast.Title, toast.Severity = "Access reinstated", events.SeveritySuccess
	case model.ActionDeleteIdentity:
		toast.Title, toast.Severity = "Identity purged", events.SeverityError
	case model.ActionDeleteMessage:
		toast.Title, toast.Severity = "Message removed", events.SeverityWarning
	case model.ActionLogin:
		toast.Title, toast.Severity = "Operator signed in", events.SeverityInfo
	case model.ActionLogout:
		toast.Title, toast.Severity = "Operator signed out", events.SeverityInfo
	default:
		toast.Severity = events.SeverityInfo
	}
	return toast
}
