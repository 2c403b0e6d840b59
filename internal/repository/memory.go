package repository

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"svontai_router/internal/entities"
)

// In-memory stores used when no database is configured, and by tests.

// MemoryTenantStore holds tenant routes keyed by tenant id.
type MemoryTenantStore struct {
	mu     sync.RWMutex
	routes map[string]*entities.TenantRoute
}

func NewMemoryTenantStore(routes ...*entities.TenantRoute) *MemoryTenantStore {
	s := &MemoryTenantStore{routes: make(map[string]*entities.TenantRoute)}
	for _, r := range routes {
		s.Put(r)
	}
	return s
}

func (s *MemoryTenantStore) Put(route *entities.TenantRoute) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *route
	cp.Config.TenantID = cp.TenantID
	if cp.Config.BotID == "" {
		cp.Config.BotID = cp.BotID
	}
	s.routes[route.TenantID] = &cp
}

func (s *MemoryTenantStore) ResolveRoute(_ context.Context, channel entities.Channel, routingKey string) (*entities.TenantRoute, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.routes {
		var key string
		switch channel {
		case entities.ChannelWhatsApp:
			key = r.Config.WhatsAppPhoneNumberID
		case entities.ChannelCall:
			key = r.Config.VoiceAccountID
		case entities.ChannelWebWidget:
			key = r.BotID
		}
		if key != "" && key == routingKey {
			return cloneRoute(r), nil
		}
	}
	return nil, entities.ErrTenantNotFound
}

func (s *MemoryTenantStore) GetRoute(_ context.Context, tenantID string) (*entities.TenantRoute, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.routes[tenantID]
	if !ok {
		return nil, entities.ErrTenantNotFound
	}
	return cloneRoute(r), nil
}

func (s *MemoryTenantStore) SaveConfig(_ context.Context, cfg entities.TenantAutomationConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.routes[cfg.TenantID]
	if !ok {
		r = &entities.TenantRoute{TenantID: cfg.TenantID, BotID: cfg.BotID, Limits: entities.PlanLimits{}}
		s.routes[cfg.TenantID] = r
	}
	r.Config = cfg
	return nil
}

func (s *MemoryTenantStore) SetPlanLimit(_ context.Context, tenantID string, kind entities.UsageKind, limit int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.routes[tenantID]
	if !ok {
		return entities.ErrTenantNotFound
	}
	limits := entities.PlanLimits{}
	for k, v := range r.Limits {
		limits[k] = v
	}
	limits[kind] = limit
	r.Limits = limits
	return nil
}

func cloneRoute(r *entities.TenantRoute) *entities.TenantRoute {
	cp := *r
	cp.Limits = entities.PlanLimits{}
	for k, v := range r.Limits {
		cp.Limits[k] = v
	}
	return &cp
}

// MemoryUsageStore is a lock-free counter arena: one atomic per (tenant, period, kind).
type MemoryUsageStore struct {
	counters sync.Map // string -> *atomic.Int64
}

func NewMemoryUsageStore() *MemoryUsageStore {
	return &MemoryUsageStore{}
}

func usageKey(tenantID, period string, kind entities.UsageKind) string {
	return tenantID + "|" + period + "|" + string(kind)
}

func (s *MemoryUsageStore) counter(key string) *atomic.Int64 {
	if v, ok := s.counters.Load(key); ok {
		return v.(*atomic.Int64)
	}
	v, _ := s.counters.LoadOrStore(key, new(atomic.Int64))
	return v.(*atomic.Int64)
}

func (s *MemoryUsageStore) Reserve(_ context.Context, tenantID, period string, kind entities.UsageKind, amount, limit int64) (entities.ReserveResult, error) {
	c := s.counter(usageKey(tenantID, period, kind))
	for {
		current := c.Load()
		next := current + amount
		if limit >= 0 && next > limit {
			return entities.ReserveResult{Allowed: false, Value: current, Limit: limit}, nil
		}
		if c.CompareAndSwap(current, next) {
			return entities.ReserveResult{Allowed: true, Value: next, Limit: limit}, nil
		}
	}
}

func (s *MemoryUsageStore) Add(_ context.Context, tenantID, period string, kind entities.UsageKind, amount int64) (int64, error) {
	return s.counter(usageKey(tenantID, period, kind)).Add(amount), nil
}

func (s *MemoryUsageStore) Snapshot(_ context.Context, tenantID, period string) (map[entities.UsageKind]int64, error) {
	out := make(map[entities.UsageKind]int64)
	prefix := tenantID + "|" + period + "|"
	s.counters.Range(func(k, v any) bool {
		key := k.(string)
		if strings.HasPrefix(key, prefix) {
			out[entities.UsageKind(strings.TrimPrefix(key, prefix))] = v.(*atomic.Int64).Load()
		}
		return true
	})
	return out, nil
}

// MemoryRunStore applies the same transition rules as the SQL guard.
type MemoryRunStore struct {
	mu   sync.Mutex
	runs map[string]*entities.AutomationRun
}

func NewMemoryRunStore() *MemoryRunStore {
	return &MemoryRunStore{runs: make(map[string]*entities.AutomationRun)}
}

func (s *MemoryRunStore) Create(_ context.Context, run *entities.AutomationRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.ID]; exists {
		return fmt.Errorf("run %s already exists", run.ID)
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	run.UpdatedAt = run.CreatedAt
	cp := *run
	s.runs[run.ID] = &cp
	return nil
}

func (s *MemoryRunStore) Transition(_ context.Context, runID string, t entities.RunTransition) (*entities.AutomationRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return nil, entities.ErrRunNotFound
	}
	if !entities.CanTransition(run.Status, t.Status) {
		return nil, fmt.Errorf("%w: %s -> %s", entities.ErrInvalidTransition, run.Status, t.Status)
	}
	run.Status = t.Status
	if t.IncrementAttempt {
		run.AttemptCount++
	}
	if len(t.ResponsePayload) > 0 {
		run.ResponsePayload = append([]byte(nil), t.ResponsePayload...)
	}
	if t.ErrorDetail != "" {
		run.ErrorDetail = t.ErrorDetail
	}
	run.UpdatedAt = time.Now().UTC()
	cp := *run
	return &cp, nil
}

func (s *MemoryRunStore) Get(_ context.Context, runID string) (*entities.AutomationRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return nil, entities.ErrRunNotFound
	}
	cp := *run
	return &cp, nil
}

func (s *MemoryRunStore) GetByExternalEvent(_ context.Context, tenantID, externalEventID string) (*entities.AutomationRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *entities.AutomationRun
	for _, run := range s.runs {
		if run.TenantID == tenantID && run.ExternalEventID == externalEventID {
			if latest == nil || run.CreatedAt.After(latest.CreatedAt) {
				latest = run
			}
		}
	}
	if latest == nil {
		return nil, entities.ErrRunNotFound
	}
	cp := *latest
	return &cp, nil
}

func (s *MemoryRunStore) ListRecent(_ context.Context, tenantID string, since time.Time, limit int) ([]entities.AutomationRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	runs := []entities.AutomationRun{}
	for _, run := range s.runs {
		if run.TenantID == tenantID && !run.CreatedAt.Before(since) {
			runs = append(runs, *run)
		}
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].CreatedAt.After(runs[j].CreatedAt) })
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

// All returns every run; tests use it to assert nothing was dispatched.
func (s *MemoryRunStore) All() []entities.AutomationRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]entities.AutomationRun, 0, len(s.runs))
	for _, run := range s.runs {
		out = append(out, *run)
	}
	return out
}

// MemoryLedger implements the event ledger and the failure buckets.
type MemoryLedger struct {
	mu       sync.Mutex
	claims   map[string]time.Time
	failures map[string]map[time.Time]int64
	now      func() time.Time
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		claims:   make(map[string]time.Time),
		failures: make(map[string]map[time.Time]int64),
		now:      time.Now,
	}
}

func (l *MemoryLedger) Claim(_ context.Context, tenantID, externalEventID string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := tenantID + "|" + externalEventID
	now := l.now()
	if exp, ok := l.claims[key]; ok && now.Before(exp) {
		return false, nil
	}
	l.claims[key] = now.Add(ttl)
	return true, nil
}

func (l *MemoryLedger) Release(_ context.Context, tenantID, externalEventID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.claims, tenantID+"|"+externalEventID)
	return nil
}

func (l *MemoryLedger) RecordFailure(_ context.Context, tenantID string, at time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	buckets, ok := l.failures[tenantID]
	if !ok {
		buckets = make(map[time.Time]int64)
		l.failures[tenantID] = buckets
	}
	buckets[at.UTC().Truncate(time.Hour)]++
	return nil
}

func (l *MemoryLedger) FailuresSince(_ context.Context, tenantID string, since time.Time) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	floor := since.UTC().Truncate(time.Hour)
	var total int64
	for bucket, n := range l.failures[tenantID] {
		if !bucket.Before(floor) {
			total += n
		}
	}
	return total, nil
}

// MemoryDomainStore is the in-memory counterpart of DomainRepository.
type MemoryDomainStore struct {
	mu            sync.Mutex
	leads         map[string]*entities.Lead
	notes         []entities.Note
	summaries     map[string]entities.CallSummary
	audit         []entities.AuditEntry
	events        []entities.SystemEvent
	conversations map[string][]entities.ConversationTurn
}

func NewMemoryDomainStore() *MemoryDomainStore {
	return &MemoryDomainStore{
		leads:         make(map[string]*entities.Lead),
		summaries:     make(map[string]entities.CallSummary),
		conversations: make(map[string][]entities.ConversationTurn),
	}
}

func (s *MemoryDomainStore) UpsertLead(_ context.Context, tc entities.TenantContext, lead entities.Lead) (*entities.Lead, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := tc.TenantID + "|" + leadKey(lead)
	existing, ok := s.leads[key]
	if !ok {
		lead.ID = uuid.NewString()
		lead.TenantID = tc.TenantID
		lead.UpdatedAt = time.Now().UTC()
		s.leads[key] = &lead
		cp := lead
		return &cp, nil
	}
	if lead.Name != "" {
		existing.Name = lead.Name
	}
	if lead.Email != "" {
		existing.Email = lead.Email
	}
	if lead.Source != "" {
		existing.Source = lead.Source
	}
	if len(lead.Fields) > 0 {
		merged := map[string]string{}
		for k, v := range existing.Fields {
			merged[k] = v
		}
		for k, v := range lead.Fields {
			merged[k] = v
		}
		existing.Fields = merged
	}
	existing.UpdatedAt = time.Now().UTC()
	cp := *existing
	return &cp, nil
}

func (s *MemoryDomainStore) Leads(tenantID string) []entities.Lead {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []entities.Lead{}
	for _, l := range s.leads {
		if l.TenantID == tenantID {
			out = append(out, *l)
		}
	}
	return out
}

func (s *MemoryDomainStore) AddNote(_ context.Context, tc entities.TenantContext, note entities.Note) (*entities.Note, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	note.ID = uuid.NewString()
	note.TenantID = tc.TenantID
	note.RunID = tc.RunID
	note.CreatedAt = time.Now().UTC()
	s.notes = append(s.notes, note)
	return &note, nil
}

func (s *MemoryDomainStore) SaveCallSummary(_ context.Context, tc entities.TenantContext, summary entities.CallSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	summary.TenantID = tc.TenantID
	summary.RunID = tc.RunID
	summary.CreatedAt = time.Now().UTC()
	s.summaries[tc.TenantID+"|"+summary.CallID] = summary
	return nil
}

func (s *MemoryDomainStore) Record(_ context.Context, e entities.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, e)
	return nil
}

func (s *MemoryDomainStore) Emit(_ context.Context, e entities.SystemEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	s.events = append(s.events, e)
	return nil
}

// SystemEvents returns a copy of the emitted events.
func (s *MemoryDomainStore) SystemEvents() []entities.SystemEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]entities.SystemEvent(nil), s.events...)
}

func (s *MemoryDomainStore) Notes() []entities.Note {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]entities.Note(nil), s.notes...)
}

func (s *MemoryDomainStore) AuditEntries() []entities.AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]entities.AuditEntry(nil), s.audit...)
}

func (s *MemoryDomainStore) CallSummary(tenantID, callID string) (entities.CallSummary, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.summaries[tenantID+"|"+callID]
	return v, ok
}

func (s *MemoryDomainStore) History(_ context.Context, tenantID, contact string, limit int) ([]entities.ConversationTurn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	turns := s.conversations[tenantID+"|"+contact]
	if limit > 0 && len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	return append([]entities.ConversationTurn(nil), turns...), nil
}

func (s *MemoryDomainStore) AppendMessage(_ context.Context, tenantID string, _ entities.Channel, contact, role, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := tenantID + "|" + contact
	s.conversations[key] = append(s.conversations[key], entities.ConversationTurn{Role: role, Content: text})
	return nil
}
