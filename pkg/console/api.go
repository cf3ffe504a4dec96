package console

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/samber/lo"

	"github.com/NicolasHaas/nexusconsole/pkg/auth"
	"github.com/NicolasHaas/nexusconsole/pkg/command"
	"github.com/NicolasHaas/nexusconsole/pkg/model"
	"github.com/NicolasHaas/nexusconsole/pkg/moderation"
	"github.com/NicolasHaas/nexusconsole/pkg/rbac"
	"github.com/NicolasHaas/nexusconsole/pkg/version"
)

const defaultMessagePage = 50

type actorKey struct{}

// APIError is the body of every non-2xx API response.
type APIError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// Suspension is shown to an operator under an effective ban.
type Suspension struct {
	Title  string `json:"title"`
	Reason string `json:"reason"`
	Until  string `json:"until"` // RFC 3339, or "PERMANENT"
}

const defaultSuspensionReason = "Violation of system policies or detected suspicious activity."

func suspensionOf(ban model.BanState) *Suspension {
	s := &Suspension{Title: "ACCESS DENIED", Reason: ban.Reason, Until: "PERMANENT"}
	if s.Reason == "" {
		s.Reason = defaultSuspensionReason
	}
	if !ban.Permanent() {
		s.Until = ban.ExpiresAt.UTC().Format(time.RFC3339)
	}
	return s
}

// SessionResponse is the committed snapshot as served by /api/session.
type SessionResponse struct {
	model.Snapshot
	Suspension *Suspension `json:"suspension,omitempty"`
}

func sessionResponse(snap model.Snapshot, now time.Time) SessionResponse {
	resp := SessionResponse{Snapshot: snap}
	if snap.Suspended(now) {
		resp.Suspension = suspensionOf(snap.Ban)
	}
	return resp
}

// Router builds the admin API.
func (c *Console) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(c.requestLogger)
	if len(c.cfg.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   c.cfg.CORSOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Content-Type"},
			AllowCredentials: true,
		}))
	}

	r.Get("/healthz", c.handleHealth)
	r.Method(http.MethodGet, "/metrics", c.metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/session", c.handleSession)
		r.Post("/login", c.handleLogin)
		r.Post("/logout", c.handleLogout)

		r.Group(func(r chi.Router) {
			r.Use(c.requireOperator)
			r.Get("/overview", c.handleOverview)
			r.Get("/identities", c.handleIdentities)
			r.With(c.requirePermission(rbac.PermReadAudit)).Get("/logs", c.handleLogs)
			r.Get("/messages", c.handleMessages)
			r.Post("/moderation", c.handleModeration)
			r.Post("/command/suggest", c.handleSuggest)
			r.Post("/command/submit", c.handleSubmit)
		})
	})
	return r
}

func (c *Console) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		c.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", chimw.GetReqID(r.Context()),
		)
	})
}

func (c *Console) requireOperator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, snap, err := c.Operator(r.Context())
		switch {
		case errors.Is(err, ErrSuspended):
			writeJSON(w, http.StatusForbidden, sessionResponse(snap, c.now()))
			return
		case err != nil:
			c.writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), actorKey{}, actor)))
	})
}

func (c *Console) requirePermission(perm rbac.Permission) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if msg := rbac.RequirePermission(actorFrom(r.Context()).Role, perm); msg != "" {
				writeError(w, r, http.StatusForbidden, "permission_denied", msg)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func actorFrom(ctx context.Context) moderation.Actor {
	a, _ := ctx.Value(actorKey{}).(moderation.Actor)
	return a
}

func (c *Console) handleHealth(w http.ResponseWriter, r *http.Request) {
	type pinger interface{ Ping(context.Context) error }

	status, code := "ok", http.StatusOK
	components := map[string]any{}
	check := func(name string, p pinger) {
		if err := p.Ping(r.Context()); err != nil {
			components[name] = map[string]any{"ok": false, "error": err.Error()}
			status, code = "degraded", http.StatusServiceUnavailable
			return
		}
		components[name] = map[string]any{"ok": true}
	}
	if p, ok := c.store.(pinger); ok {
		check("store", p)
	}
	if c.remote != nil {
		check("redis", c.remote)
	}
	writeJSON(w, code, map[string]any{
		"status":     status,
		"components": components,
		"build":      version.Info(),
		"checked_at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (c *Console) handleSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, sessionResponse(c.Session(r.Context()), c.now()))
}

func (c *Console) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Passcode string `json:"passcode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "bad_request", "invalid json")
		return
	}
	snap, err := c.Login(r.Context(), req.Passcode)
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse(snap, c.now()))
}

func (c *Console) handleLogout(w http.ResponseWriter, r *http.Request) {
	snap, err := c.Logout(r.Context())
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse(snap, c.now()))
}

// handleIdentities supports ?filter=all|active|banned and ?q= matching
// username or email.
func (c *Console) handleOverview(w http.ResponseWriter, r *http.Request) {
	ov, err := c.Overview(r.Context())
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ov)
}

func (c *Console) handleIdentities(w http.ResponseWriter, r *http.Request) {
	identities, err := c.Identities(r.Context())
	if err != nil {
		c.writeError(w, r, err)
		return
	}

	filter := strings.ToLower(r.URL.Query().Get("filter"))
	q := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("q")))
	identities = lo.Filter(identities, func(ident model.Identity, _ int) bool {
		switch filter {
		case "active":
			if ident.Ban.Banned {
				return false
			}
		case "banned":
			if !ident.Ban.Banned {
				return false
			}
		}
		if q == "" {
			return true
		}
		return strings.Contains(strings.ToLower(ident.Username), q) ||
			strings.Contains(strings.ToLower(ident.Email), q)
	})
	writeJSON(w, http.StatusOK, map[string]any{"identities": identities})
}

func (c *Console) handleLogs(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	logs, err := c.audit.Recent(r.Context(), int(limit))
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	if logs == nil {
		logs = []model.AdminLogEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": logs})
}

func (c *Console) handleMessages(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", defaultMessagePage)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	filters := model.MessageFilters{PageSize: &limit, Offset: &offset}
	if sender := r.URL.Query().Get("sender"); sender != "" {
		filters.LimitToSenderRef = &sender
	}

	messages, err := c.store.ListMessages(r.Context(), filters)
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	if messages == nil {
		messages = []model.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

func (c *Console) handleModeration(w http.ResponseWriter, r *http.Request) {
	var req moderation.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "bad_request", "invalid json")
		return
	}
	res, err := c.Moderate(r.Context(), req)
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type commandRequest struct {
	Raw string `json:"raw"`
	Key string `json:"key,omitempty"`
}

// handleSuggest evaluates raw and, when key is set, applies one navigation key.
// Enter on a closed list submits the line.
func (c *Console) handleSuggest(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "bad_request", "invalid json")
		return
	}
	in, err := c.Interpreter(r.Context())
	if err != nil {
		c.writeError(w, r, err)
		return
	}

	resp := struct {
		State    command.State `json:"state"`
		Dispatch *Dispatch     `json:"dispatch,omitempty"`
	}{State: in.Input(req.Raw)}

	if req.Key != "" {
		k, ok := command.ParseKey(req.Key)
		if !ok {
			writeError(w, r, http.StatusBadRequest, "bad_request", "unknown key "+strconv.Quote(req.Key))
			return
		}
		st, out := in.Key(k)
		resp.State = st
		if out != nil {
			d := c.Dispatch(r.Context(), actorFrom(r.Context()), *out)
			resp.Dispatch = &d
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (c *Console) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "bad_request", "invalid json")
		return
	}
	in, err := c.Interpreter(r.Context())
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c.Dispatch(r.Context(), actorFrom(r.Context()), in.SubmitLine(req.Raw)))
}

// writeError maps domain errors onto HTTP statuses.
func (c *Console) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := http.StatusInternalServerError, "internal_error"
	switch {
	case errors.Is(err, ErrNotAuthenticated), errors.Is(err, auth.ErrInvalidPasscode):
		status, code = http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, ErrSuspended):
		status, code = http.StatusForbidden, "suspended"
	case errors.Is(err, ErrNoConsoleAccess), errors.Is(err, moderation.ErrPermissionDenied):
		status, code = http.StatusForbidden, "permission_denied"
	case errors.Is(err, moderation.ErrIdentityNotFound), errors.Is(err, moderation.ErrMessageNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, moderation.ErrProtectedIdentity):
		status, code = http.StatusConflict, "protected_identity"
	case errors.Is(err, moderation.ErrMissingReason),
		errors.Is(err, moderation.ErrUnknownDuration),
		errors.Is(err, moderation.ErrInvalidCustomExpiry),
		errors.Is(err, moderation.ErrUnknownAction):
		status, code = http.StatusBadRequest, "invalid_request"
	case errors.Is(err, moderation.ErrStorageUnavailable), errors.Is(err, auth.ErrNoCredentials):
		status, code = http.StatusServiceUnavailable, "unavailable"
	}
	if status == http.StatusInternalServerError {
		c.logger.Error("api error", "path", r.URL.Path, "err", err)
	}
	writeError(w, r, status, code, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	writeJSON(w, status, APIError{Code: code, Message: msg, RequestID: chimw.GetReqID(r.Context())})
}

func queryInt(r *http.Request, name string, def int64) (int64, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, errors.New(name + " must be a non-negative integer")
	}
	return n, nil
}
