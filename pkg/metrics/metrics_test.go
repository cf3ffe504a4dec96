package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestSnapshotReflectsCounters(t *testing.T) {
	m := New()
	m.BanCount.Add(2)
	m.ClampedBans.Add(1)
	m.AuditWriteFailures.Add(3)

	s := m.Snapshot()
	if s.BanCount != 2 || s.ClampedBans != 1 || s.AuditWriteFailures != 3 {
		t.Fatalf("Snapshot() = %+v", s)
	}
	if !strings.Contains(m.JSON(), `"ban_count": 2`) {
		t.Fatalf("JSON() missing ban_count: %s", m.JSON())
	}
}

func TestPrometheusExposition(t *testing.T) {
	m := New()
	m.BanCount.Add(1)
	m.Register(Source{Name: "nexus_syncs_total", Help: "Syncs run.", Type: "counter", Value: func() int64 { return 7 }})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("Content-Type = %q", ct)
	}
	body := rec.Body.String()
	for _, want := range []string{
		"# TYPE nexus_bans_total counter\nnexus_bans_total 1\n",
		"nexus_syncs_total 7\n",
		"# TYPE nexus_uptime_seconds gauge\n",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("exposition missing %q\n%s", want, body)
		}
	}
}
