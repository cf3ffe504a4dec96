package security

import (
	"context"
	"log/slog"
	"time"

	"github.com/NicolasHaas/nexusconsole/pkg/model"
)

// IdentityReader is the slice of the identity store the evaluator needs.
type IdentityReader interface {
	GetIdentity(ctx context.Context, ref string) (*model.Identity, error)
}

// Evaluator computes the effective ban state of an identity.
type Evaluator struct {
	store  IdentityReader
	roots  map[string]struct{}
	now    func() time.Time
	logger *slog.Logger
}

// NewEvaluator creates an evaluator. Identities listed in roots are never banned.
func NewEvaluator(store IdentityReader, roots []string, logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	set := make(map[string]struct{}, len(roots))
	for _, r := range roots {
		set[r] = struct{}{}
	}
	return &Evaluator{
		store:  store,
		roots:  set,
		now:    time.Now,
		logger: logger,
	}
}

// WithClock replaces the time source used for lazy expiry.
func (e *Evaluator) WithClock(now func() time.Time) *Evaluator {
	e.now = now
	return e
}

// IsRoot reports whether ref is an unconditionally trusted identity.
func (e *Evaluator) IsRoot(ref string) bool {
	_, ok := e.roots[ref]
	return ok
}

// Evaluate returns the effective ban state for ref. Root identities bypass the
// store entirely. Unknown identities and store failures read as not banned.
func (e *Evaluator) Evaluate(ctx context.Context, ref string) model.BanState {
	if e.IsRoot(ref) {
		return model.BanState{}
	}

	ident, err := e.store.GetIdentity(ctx, ref)
	if err != nil {
		e.logger.Warn("ban lookup failed", "identity", ref, "err", err)
		return model.BanState{}
	}
	if ident == nil {
		return model.BanState{}
	}
	return ident.Ban.Effective(e.now())
}
