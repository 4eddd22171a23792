// Package credential schedules upstream credentials: it selects a usable
// credential per request, enforces per-window call quotas, and demotes
// credentials the provider rejects.
package credential

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/tjfontaine/grok-gateway/internal/domain"
	"github.com/tjfontaine/grok-gateway/internal/storage"
)

// ErrNoCredentialAvailable is returned by Acquire when no credential qualifies.
var ErrNoCredentialAvailable = errors.New("no credential available")

// ErrUnknownCredential is returned for ids the pool does not hold.
var ErrUnknownCredential = errors.New("unknown credential")

// Config is the quota and demotion policy.
type Config struct {
	Window      time.Duration
	BasicLimit  int
	SuperLimit  int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// RetryBudget is the number of consecutive demotions tolerated before a
	// credential becomes invalid.
	RetryBudget int
}

// Requirements constrain which credential Acquire may return.
type Requirements struct {
	Tier domain.Tier
	Tags []string
	// Cost is the number of quota calls one request consumes. Zero means one.
	Cost int
}

// Lease is a credential reserved for one upstream attempt. It must be
// returned through RecordOutcome exactly once.
type Lease struct {
	ID    string
	Token string
	Tier  domain.Tier
	Cost  int
}

// Prober performs a lightweight authenticated call and reports the status.
type Prober interface {
	Probe(ctx context.Context, token string) (int, error)
}

// UsageRecorder receives usage deltas and state changes for persistence.
type UsageRecorder interface {
	RecordUsage(id string, delta int, windowStart time.Time)
	RecordState(id string, state storage.CredentialState)
}

type entry struct {
	mu       sync.Mutex
	cred     domain.Credential
	reserved int
	lastUsed time.Time
}

// Pool is the in-memory scheduler over the credential store.
type Pool struct {
	cfg      Config
	store    storage.CredentialStore
	recorder UsageRecorder
	prober   Prober
	logger   *slog.Logger
	now      func() time.Time

	// selectMu serializes selection; each entry guards its own counters.
	selectMu sync.Mutex

	mu      sync.RWMutex
	entries map[string]*entry
}

// Option configures a Pool.
type Option func(*Pool)

// WithRecorder sets where usage and state changes are written.
func WithRecorder(r UsageRecorder) Option {
	return func(p *Pool) { p.recorder = r }
}

// WithProber sets the upstream probe used by Test.
func WithProber(pr Prober) Option {
	return func(p *Pool) { p.prober = pr }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) { p.logger = l }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

// NewPool creates an empty pool. Call Load to populate it from the store.
func NewPool(store storage.CredentialStore, cfg Config, opts ...Option) *Pool {
	p := &Pool{
		cfg:      cfg,
		store:    store,
		recorder: nopRecorder{},
		logger:   slog.Default(),
		now:      time.Now,
		entries:  make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Load replaces the in-memory view with the store's records. Reservations
// and recency of credentials that survive the reload are kept.
func (p *Pool) Load(ctx context.Context) error {
	creds, err := p.store.ListCredentials(ctx, storage.CredentialFilter{})
	if err != nil {
		return fmt.Errorf("failed to load credentials: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	next := make(map[string]*entry, len(creds))
	for _, c := range creds {
		if old, ok := p.entries[c.ID]; ok {
			old.mu.Lock()
			old.cred = *c
			old.mu.Unlock()
			next[c.ID] = old
			continue
		}
		next[c.ID] = &entry{cred: *c}
	}
	p.entries = next

	p.logger.Info("credential pool loaded", slog.Int("count", len(next)))
	return nil
}

// Add persists a new credential and makes it selectable.
func (p *Pool) Add(ctx context.Context, c *domain.Credential) error {
	if err := p.store.CreateCredential(ctx, c); err != nil {
		return err
	}

	p.mu.Lock()
	p.entries[c.ID] = &entry{cred: *c}
	p.mu.Unlock()

	p.logger.Info("credential added", slog.String("credential", c.ID), slog.String("tier", string(c.Tier)))
	return nil
}

// Remove deletes a credential from the store and the pool. Leases already
// handed out finish normally.
func (p *Pool) Remove(ctx context.Context, id string) error {
	if err := p.store.DeleteCredential(ctx, id); err != nil {
		return err
	}

	p.mu.Lock()
	delete(p.entries, id)
	p.mu.Unlock()

	p.logger.Info("credential removed", slog.String("credential", id))
	return nil
}

// Acquire reserves quota on the least recently used credential that is
// active, matches the requirements and has room for the request's cost.
func (p *Pool) Acquire(ctx context.Context, req Requirements) (*Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cost := max(req.Cost, 1)

	p.selectMu.Lock()
	defer p.selectMu.Unlock()

	now := p.now()
	candidates := p.sortedEntries()

	var (
		best     *entry
		bestUsed time.Time
	)
	for _, e := range candidates {
		e.mu.Lock()
		ok := p.eligibleLocked(e, now, req, cost)
		used := e.lastUsed
		e.mu.Unlock()

		if ok && (best == nil || used.Before(bestUsed)) {
			best, bestUsed = e, used
		}
	}

	if best == nil {
		return nil, ErrNoCredentialAvailable
	}

	best.mu.Lock()
	defer best.mu.Unlock()

	// RecordOutcome may have demoted it since the scan
	if !p.eligibleLocked(best, now, req, cost) {
		return nil, ErrNoCredentialAvailable
	}
	best.reserved += cost
	best.lastUsed = now

	return &Lease{
		ID:    best.cred.ID,
		Token: best.cred.Token,
		Tier:  best.cred.Tier,
		Cost:  cost,
	}, nil
}

// RecordOutcome releases the lease's reservation and applies the outcome.
func (p *Pool) RecordOutcome(lease *Lease, outcome domain.Outcome) {
	e := p.lookup(lease.ID)
	if e == nil {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := p.now()
	e.reserved = max(e.reserved-lease.Cost, 0)
	stateChanged := p.refreshLocked(e, now)

	logger := p.logger.With(slog.String("credential", e.cred.ID))

	switch outcome.Kind {
	case domain.OutcomeSuccess:
		e.cred.Usage += lease.Cost
		p.recorder.RecordUsage(e.cred.ID, lease.Cost, e.cred.WindowStart)
		if e.cred.Failures > 0 || e.cred.LastError != "" {
			e.cred.Failures = 0
			e.cred.LastError = ""
			stateChanged = true
		}

	case domain.OutcomeFatalAuth, domain.OutcomeFatalRateLimited:
		e.cred.Failures++
		e.cred.LastError = describeOutcome(outcome)
		if e.cred.Failures > p.cfg.RetryBudget {
			e.cred.Status = domain.StatusInvalid
			e.cred.CoolingUntil = time.Time{}
			logger.Warn("credential invalidated",
				slog.Int("failures", e.cred.Failures),
				slog.String("error", e.cred.LastError))
		} else {
			e.cred.Status = domain.StatusCoolingDown
			e.cred.CoolingUntil = now.Add(p.backoff(e.cred.Failures))
			logger.Warn("credential cooling down",
				slog.Int("failures", e.cred.Failures),
				slog.Time("until", e.cred.CoolingUntil),
				slog.String("error", e.cred.LastError))
		}
		stateChanged = true

	case domain.OutcomeRetryable:
		e.cred.LastError = describeOutcome(outcome)
		stateChanged = true

	case domain.OutcomeCanceled:
		// reservation released, nothing credited
	}

	if stateChanged {
		p.recorder.RecordState(e.cred.ID, stateOf(&e.cred))
	}
}

// Test probes the upstream with the credential and updates its health.
func (p *Pool) Test(ctx context.Context, id string) (domain.TestResult, error) {
	e := p.lookup(id)
	if e == nil {
		return domain.TestUnhealthy, fmt.Errorf("credential %s: %w", id, ErrUnknownCredential)
	}
	if p.prober == nil {
		return domain.TestUnhealthy, errors.New("no prober configured")
	}

	e.mu.Lock()
	token := e.cred.Token
	e.mu.Unlock()

	// No lock is held across the network call
	status, err := p.prober.Probe(ctx, token)

	e.mu.Lock()
	defer e.mu.Unlock()

	now := p.now()
	e.cred.LastTestedAt = now
	result := domain.TestUnhealthy

	switch {
	case err != nil:
		e.cred.LastTestResult = "error: " + err.Error()
	case status == http.StatusOK:
		result = domain.TestHealthy
		e.cred.LastTestResult = string(domain.TestHealthy)
		e.cred.Status = domain.StatusActive
		e.cred.CoolingUntil = time.Time{}
		e.cred.Failures = 0
		e.cred.LastError = ""
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		e.cred.LastTestResult = fmt.Sprintf("status %d", status)
		e.cred.Status = domain.StatusInvalid
		e.cred.CoolingUntil = time.Time{}
	case status == http.StatusTooManyRequests:
		e.cred.LastTestResult = fmt.Sprintf("status %d", status)
		e.cred.Status = domain.StatusCoolingDown
		e.cred.CoolingUntil = now.Add(p.backoff(max(e.cred.Failures, 1)))
	default:
		e.cred.LastTestResult = fmt.Sprintf("status %d", status)
	}

	p.recorder.RecordState(e.cred.ID, stateOf(&e.cred))
	p.logger.Info("credential tested",
		slog.String("credential", id),
		slog.String("result", string(result)),
		slog.String("detail", e.cred.LastTestResult))

	return result, nil
}

// Snapshot returns copies of every credential, ordered by id. Pending
// reservations are not included in Usage.
func (p *Pool) Snapshot() []domain.Credential {
	now := p.now()
	entries := p.sortedEntries()
	out := make([]domain.Credential, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		c := e.cred
		c.Tags = slices.Clone(e.cred.Tags)
		// Report the effective state without mutating it
		if c.Status == domain.StatusCoolingDown && !now.Before(c.CoolingUntil) {
			c.Status = domain.StatusActive
		}
		if p.windowExpired(&c, now) {
			c.Usage = 0
		}
		e.mu.Unlock()
		out = append(out, c)
	}
	return out
}

// StatusCounts reports the number of credentials per effective status.
func (p *Pool) StatusCounts() map[domain.CredentialStatus]int {
	counts := make(map[domain.CredentialStatus]int, 3)
	for _, c := range p.Snapshot() {
		counts[c.Status]++
	}
	return counts
}

// Quota sums the call ceilings and the unused calls of active credentials
// in their current windows.
func (p *Pool) Quota() (limit, remaining int) {
	for _, c := range p.Snapshot() {
		if c.Status != domain.StatusActive {
			continue
		}
		l := p.Limit(&c)
		limit += l
		remaining += max(l-c.Usage, 0)
	}
	return limit, remaining
}

// Limit returns the effective call ceiling of a credential.
func (p *Pool) Limit(c *domain.Credential) int {
	if c.MaxCalls > 0 {
		return c.MaxCalls
	}
	if c.Tier == domain.TierSuper {
		return p.cfg.SuperLimit
	}
	return p.cfg.BasicLimit
}

func (p *Pool) window(c *domain.Credential) time.Duration {
	if c.Window > 0 {
		return c.Window
	}
	return p.cfg.Window
}

func (p *Pool) windowExpired(c *domain.Credential, now time.Time) bool {
	return c.WindowStart.IsZero() || now.Sub(c.WindowStart) >= p.window(c)
}

// refreshLocked applies lazy transitions: expired cool-downs return to
// active and an elapsed quota window restarts at now. It reports whether
// the persisted state changed.
func (p *Pool) refreshLocked(e *entry, now time.Time) bool {
	changed := false
	if e.cred.Status == domain.StatusCoolingDown && !now.Before(e.cred.CoolingUntil) {
		e.cred.Status = domain.StatusActive
		e.cred.CoolingUntil = time.Time{}
		changed = true
	}
	if p.windowExpired(&e.cred, now) {
		e.cred.Usage = 0
		e.cred.WindowStart = now
	}
	return changed
}

func (p *Pool) eligibleLocked(e *entry, now time.Time, req Requirements, cost int) bool {
	if p.refreshLocked(e, now) {
		p.recorder.RecordState(e.cred.ID, stateOf(&e.cred))
	}
	if e.cred.Status != domain.StatusActive {
		return false
	}
	if req.Tier != domain.TierAny && e.cred.Tier != req.Tier {
		return false
	}
	if !e.cred.HasTags(req.Tags) {
		return false
	}
	return e.cred.Usage+e.reserved+cost <= p.Limit(&e.cred)
}

// backoff is BackoffBase doubled per consecutive failure, capped at BackoffMax.
func (p *Pool) backoff(failures int) time.Duration {
	d := p.cfg.BackoffBase
	for i := 1; i < failures; i++ {
		d *= 2
		if p.cfg.BackoffMax > 0 && d >= p.cfg.BackoffMax {
			return p.cfg.BackoffMax
		}
	}
	if p.cfg.BackoffMax > 0 && d > p.cfg.BackoffMax {
		return p.cfg.BackoffMax
	}
	return d
}

func (p *Pool) lookup(id string) *entry {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.entries[id]
}

func (p *Pool) sortedEntries() []*entry {
	p.mu.RLock()
	ids := make([]string, 0, len(p.entries))
	for id := range p.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]*entry, len(ids))
	for i, id := range ids {
		out[i] = p.entries[id]
	}
	p.mu.RUnlock()
	return out
}

func stateOf(c *domain.Credential) storage.CredentialState {
	return storage.CredentialState{
		Status:         c.Status,
		CoolingUntil:   c.CoolingUntil,
		Failures:       c.Failures,
		LastError:      c.LastError,
		LastTestedAt:   c.LastTestedAt,
		LastTestResult: c.LastTestResult,
	}
}

func describeOutcome(o domain.Outcome) string {
	switch {
	case o.Code != 0 && o.Message != "":
		return fmt.Sprintf("status %d: %s", o.Code, o.Message)
	case o.Code != 0:
		return fmt.Sprintf("status %d", o.Code)
	case o.Message != "":
		return o.Message
	}
	return string(o.Kind)
}

type nopRecorder struct{}

func (nopRecorder) RecordUsage(string, int, time.Time)            {}
func (nopRecorder) RecordState(string, storage.CredentialState) {}
