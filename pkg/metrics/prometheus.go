package metrics

import (
	"fmt"
	"io"
	"net/http"
	"time"
)

// WritePrometheus writes all metrics in Prometheus text exposition format.
func (m *Metrics) WritePrometheus(w io.Writer) {
	uptime := time.Since(m.startTime).Seconds()

	// Write errors are non-actionable; suppress errcheck.
	write := func(name, help, mtype string, value int64) {
		_, _ = fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		_, _ = fmt.Fprintf(w, "# TYPE %s %s\n", name, mtype)
		_, _ = fmt.Fprintf(w, "%s %d\n", name, value)
	}
	writeFloat := func(name, help, mtype string, value float64) {
		_, _ = fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		_, _ = fmt.Fprintf(w, "# TYPE %s %s\n", name, mtype)
		_, _ = fmt.Fprintf(w, "%s %f\n", name, value)
	}

	writeFloat("nexus_uptime_seconds", "Console uptime in seconds.", "gauge", uptime)

	write("nexus_logins_total", "Passcode logins accepted.", "counter",
		m.SuccessfulLogins.Load())
	write("nexus_logins_failed_total", "Passcode logins rejected.", "counter",
		m.FailedLogins.Load())
	write("nexus_logouts_total", "Explicit logouts.", "counter",
		m.Logouts.Load())

	write("nexus_bans_total", "Identities banned.", "counter",
		m.BanCount.Load())
	write("nexus_unbans_total", "Identities unbanned.", "counter",
		m.UnbanCount.Load())
	write("nexus_bans_clamped_total", "Bans narrowed to the standard-tier duration.", "counter",
		m.ClampedBans.Load())
	write("nexus_identities_deleted_total", "Identities deleted.", "counter",
		m.IdentitiesDeleted.Load())
	write("nexus_messages_deleted_total", "Chat messages deleted.", "counter",
		m.MessagesDeleted.Load())
	write("nexus_moderation_rejected_total", "Moderation requests rejected with an error.", "counter",
		m.RejectedModerations.Load())

	write("nexus_audit_entries_total", "Audit entries persisted.", "counter",
		m.AuditEntries.Load())
	write("nexus_audit_write_failures_total", "Audit entries that could not be persisted.", "counter",
		m.AuditWriteFailures.Load())

	write("nexus_commands_submitted_total", "Slash commands submitted.", "counter",
		m.CommandsSubmitted.Load())

	for _, src := range m.registered() {
		write(src.Name, src.Help, src.Type, src.Value())
	}
}

// Handler serves WritePrometheus over HTTP.
func (m *Metrics) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		m.WritePrometheus(w)
	})
}
