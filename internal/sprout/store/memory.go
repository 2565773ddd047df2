// Package store implements sprout.Store twice: in memory for tests and
// single-process runs, and on PostgreSQL for real deployments.
package store

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/xkilldash9x/harbormaster/internal/sprout"
)

// Memory is the in-process Store. A plain mutex serializes everything;
// contention is not a concern at test scale and WithAppliance gets the same
// serialization the row lock provides in PostgreSQL.
type Memory struct {
	mu sync.Mutex

	seq int64

	users      map[string]*sprout.User
	quotas     map[string]*sprout.UserApplianceQuota
	providers  map[string]*sprout.Provider
	groups     map[string]*sprout.Group
	templates  map[int64]*sprout.Template
	pools      map[int64]*sprout.AppliancePool
	appliances map[int64]*sprout.Appliance
	tasks      map[int64]*sprout.DelayedProvisionTask
	mailers    map[int64]*sprout.MismatchVersionMailer
}

var _ sprout.Store = (*Memory)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		users:      make(map[string]*sprout.User),
		quotas:     make(map[string]*sprout.UserApplianceQuota),
		providers:  make(map[string]*sprout.Provider),
		groups:     make(map[string]*sprout.Group),
		templates:  make(map[int64]*sprout.Template),
		pools:      make(map[int64]*sprout.AppliancePool),
		appliances: make(map[int64]*sprout.Appliance),
		tasks:      make(map[int64]*sprout.DelayedProvisionTask),
		mailers:    make(map[int64]*sprout.MismatchVersionMailer),
	}
}

func (m *Memory) nextID() int64 {
	m.seq++
	return m.seq
}

func (m *Memory) GetUser(_ context.Context, username string) (*sprout.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[username]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", username, sprout.ErrNotFound)
	}
	cp := *u
	return &cp, nil
}

func (m *Memory) SaveUser(_ context.Context, u *sprout.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u.ID == 0 {
		u.ID = m.nextID()
	}
	cp := *u
	m.users[u.Username] = &cp
	return nil
}

func (m *Memory) GetQuota(_ context.Context, username string) (*sprout.UserApplianceQuota, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.quotas[username]
	if !ok {
		return nil, fmt.Errorf("quota for %s: %w", username, sprout.ErrNotFound)
	}
	cp := *q
	return &cp, nil
}

func (m *Memory) SaveQuota(_ context.Context, q *sprout.UserApplianceQuota) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *q
	m.quotas[q.Username] = &cp
	return nil
}

func (m *Memory) GetProvider(_ context.Context, id string) (*sprout.Provider, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.providers[id]
	if !ok {
		return nil, fmt.Errorf("provider %s: %w", id, sprout.ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (m *Memory) SaveProvider(_ context.Context, p *sprout.Provider) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.providers[p.ID] = &cp
	return nil
}

func (m *Memory) ListProviders(context.Context) ([]*sprout.Provider, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*sprout.Provider, 0, len(m.providers))
	for _, p := range m.providers {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) GetGroup(_ context.Context, id string) (*sprout.Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[id]
	if !ok {
		return nil, fmt.Errorf("group %s: %w", id, sprout.ErrNotFound)
	}
	cp := *g
	return &cp, nil
}

func (m *Memory) SaveGroup(_ context.Context, g *sprout.Group) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *g
	m.groups[g.ID] = &cp
	return nil
}

func (m *Memory) ListGroups(context.Context) ([]*sprout.Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*sprout.Group, 0, len(m.groups))
	for _, g := range m.groups {
		cp := *g
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) GetTemplate(_ context.Context, id int64) (*sprout.Template, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.templates[id]
	if !ok {
		return nil, fmt.Errorf("template %d: %w", id, sprout.ErrNotFound)
	}
	cp := *t
	return &cp, nil
}

func (m *Memory) SaveTemplate(_ context.Context, t *sprout.Template) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.ID == 0 {
		t.ID = m.nextID()
	}
	cp := *t
	m.templates[t.ID] = &cp
	return nil
}

func matchTemplate(t *sprout.Template, f sprout.TemplateFilter) bool {
	if f.GroupID != "" && t.GroupID != f.GroupID {
		return false
	}
	if f.ProviderID != "" && t.ProviderID != f.ProviderID {
		return false
	}
	if f.Version != "" && t.Version != f.Version {
		return false
	}
	if f.Date != nil && !t.Date.Equal(*f.Date) {
		return false
	}
	if f.Preconfigured != nil && t.Preconfigured != *f.Preconfigured {
		return false
	}
	if f.Ready != nil && t.Ready != *f.Ready {
		return false
	}
	if f.Usable != nil && t.Usable != *f.Usable {
		return false
	}
	if f.Exists != nil && t.Exists != *f.Exists {
		return false
	}
	return true
}

func (m *Memory) ListTemplates(_ context.Context, f sprout.TemplateFilter) ([]*sprout.Template, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*sprout.Template
	for _, t := range m.templates {
		if matchTemplate(t, f) {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) CreatePool(_ context.Context, p *sprout.AppliancePool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ID == 0 {
		p.ID = m.nextID()
	}
	cp := *p
	m.pools[p.ID] = &cp
	return nil
}

func (m *Memory) GetPool(_ context.Context, id int64) (*sprout.AppliancePool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pools[id]
	if !ok {
		return nil, fmt.Errorf("pool %d: %w", id, sprout.ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (m *Memory) SavePool(_ context.Context, p *sprout.AppliancePool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pools[p.ID]; !ok {
		return fmt.Errorf("pool %d: %w", p.ID, sprout.ErrNotFound)
	}
	cp := *p
	m.pools[p.ID] = &cp
	return nil
}

func (m *Memory) DeletePool(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pools, id)
	return nil
}

func (m *Memory) ListPools(_ context.Context, f sprout.PoolFilter) ([]*sprout.AppliancePool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*sprout.AppliancePool
	for _, p := range m.pools {
		if f.Owner != "" && p.Owner != f.Owner {
			continue
		}
		if f.NotNeeded != nil && p.NotNeededAnymore != *f.NotNeeded {
			continue
		}
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) GetAppliance(_ context.Context, id int64) (*sprout.Appliance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appliances[id]
	if !ok {
		return nil, fmt.Errorf("appliance %d: %w", id, sprout.ErrNotFound)
	}
	cp := *a
	return &cp, nil
}

func (m *Memory) FindAppliance(_ context.Context, identifier string) (*sprout.Appliance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, err := strconv.ParseInt(identifier, 10, 64); err == nil {
		if a, ok := m.appliances[id]; ok {
			cp := *a
			return &cp, nil
		}
	}
	for _, a := range m.appliances {
		if a.IPAddress == identifier || a.Name == identifier {
			cp := *a
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("appliance %q: %w", identifier, sprout.ErrNotFound)
}

func (m *Memory) SaveAppliance(_ context.Context, a *sprout.Appliance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.ID == 0 {
		a.ID = m.nextID()
	}
	cp := *a
	m.appliances[a.ID] = &cp
	return nil
}

func (m *Memory) ListAppliances(_ context.Context, f sprout.ApplianceFilter) ([]*sprout.Appliance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*sprout.Appliance
	for _, a := range m.appliances {
		if !f.IncludeGone && a.Gone() {
			continue
		}
		if f.PoolID != nil && a.PoolID != *f.PoolID {
			continue
		}
		if f.Shepherd && (a.PoolID != 0 || !a.Ready) {
			continue
		}
		if f.Owner != "" && a.Owner != f.Owner {
			continue
		}
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) CountAppliancesByOwner(_ context.Context, owner string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, a := range m.appliances {
		if a.Owner == owner && !a.Gone() {
			n++
		}
	}
	return n, nil
}

// providerOf resolves an appliance's provider through its template. Callers
// hold the lock.
func (m *Memory) providerOf(a *sprout.Appliance) string {
	t, ok := m.templates[a.TemplateID]
	if !ok {
		return ""
	}
	return t.ProviderID
}

func (m *Memory) CountAppliancesOnProvider(_ context.Context, providerID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.countOnProviderLocked(providerID), nil
}

func (m *Memory) countOnProviderLocked(providerID string) int {
	n := 0
	for _, a := range m.appliances {
		if a.Status != sprout.StateDestroyed && m.providerOf(a) == providerID {
			n++
		}
	}
	return n
}

func (m *Memory) CountAppliancesInState(_ context.Context, providerID string, states ...sprout.ProvisionState) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.countInStateLocked(providerID, states...), nil
}

func (m *Memory) countInStateLocked(providerID string, states ...sprout.ProvisionState) int {
	n := 0
	for _, a := range m.appliances {
		if m.providerOf(a) != providerID {
			continue
		}
		for _, s := range states {
			if a.Status == s {
				n++
				break
			}
		}
	}
	return n
}

func (m *Memory) WithAppliance(_ context.Context, id int64, fn func(a *sprout.Appliance) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appliances[id]
	if !ok {
		return fmt.Errorf("appliance %d: %w", id, sprout.ErrNotFound)
	}
	cp := *a
	if err := fn(&cp); err != nil {
		return err
	}
	m.appliances[id] = &cp
	return nil
}

func (m *Memory) ReserveAndAssign(_ context.Context, providerID string, a *sprout.Appliance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.providers[providerID]
	if !ok {
		return fmt.Errorf("provider %s: %w", providerID, sprout.ErrNotFound)
	}
	inFlight := m.countInStateLocked(providerID, sprout.StateQueued, sprout.StateProvisioning)
	if inFlight >= p.NumSimultaneousProvisioning {
		return sprout.ErrNoCapacity
	}
	if p.ApplianceLimit > 0 && m.countOnProviderLocked(providerID) >= p.ApplianceLimit {
		return sprout.ErrNoCapacity
	}
	if a.ID == 0 {
		a.ID = m.nextID()
	}
	cp := *a
	m.appliances[a.ID] = &cp
	return nil
}

func (m *Memory) CreateDelayedTask(_ context.Context, t *sprout.DelayedProvisionTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.ID == 0 {
		t.ID = m.nextID()
	}
	cp := *t
	m.tasks[t.ID] = &cp
	return nil
}

func (m *Memory) ListDelayedTasks(_ context.Context, poolID int64) ([]*sprout.DelayedProvisionTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*sprout.DelayedProvisionTask
	for _, t := range m.tasks {
		if poolID != 0 && t.PoolID != poolID {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) DeleteDelayedTask(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tasks, id)
	return nil
}

func (m *Memory) RecordVersionMismatch(_ context.Context, mm *sprout.MismatchVersionMailer) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.mailers {
		if !existing.Sent &&
			existing.ProviderID == mm.ProviderID &&
			existing.TemplateName == mm.TemplateName &&
			existing.ActualVersion == mm.ActualVersion {
			return false, nil
		}
	}
	if mm.ID == 0 {
		mm.ID = m.nextID()
	}
	cp := *mm
	m.mailers[mm.ID] = &cp
	return true, nil
}

func (m *Memory) ListUnsentMailers(context.Context) ([]*sprout.MismatchVersionMailer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*sprout.MismatchVersionMailer
	for _, mm := range m.mailers {
		if !mm.Sent {
			cp := *mm
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) MarkMailerSent(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mm, ok := m.mailers[id]
	if !ok {
		return fmt.Errorf("mailer %d: %w", id, sprout.ErrNotFound)
	}
	mm.Sent = true
	return nil
}
