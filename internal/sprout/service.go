package sprout

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	version "github.com/hashicorp/go-version"
	"go.uber.org/zap"

	"github.com/xkilldash9x/harbormaster/internal/observability"
)

// Service implements the pool operations the RPC API and the control loops
// share. Handlers are short and atomic against the store; long-running work
// (deploying, configuring) belongs to the background loops.
type Service struct {
	store     Store
	providers Registry
	logger    *zap.Logger
	now       func() time.Time
}

// ServiceOption customizes a Service.
type ServiceOption func(*Service)

// WithClock overrides the service's time source.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// NewService wires the service over its store and provider clients.
func NewService(st Store, reg Registry, opts ...ServiceOption) *Service {
	s := &Service{
		store:     st,
		providers: reg,
		logger:    observability.GetLogger().Named("sprout"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Store exposes the underlying store to the control loops.
func (s *Service) Store() Store { return s.store }

// PoolRequest is the argument set of RequestAppliances. ProviderToAvoid is a
// soft preference; the scheduler falls back to the avoided provider when it
// is the only one with capacity.
type PoolRequest struct {
	GroupID         string
	Count           int
	LeaseTime       time.Duration
	TemplateID      int64
	ProviderToAvoid string
	Version         string
	Date            time.Time
	Preconfigured   bool
	YumUpdate       bool
}

// enforceQuotas rejects the request before any row is written.
func (s *Service) enforceQuotas(ctx context.Context, owner string, count int) error {
	quota, err := s.store.GetQuota(ctx, owner)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if quota.PerPoolQuota > 0 && count > quota.PerPoolQuota {
		return &QuotaExceededError{Quota: "per_pool", Limit: quota.PerPoolQuota, Requested: count}
	}
	if quota.TotalPoolQuota > 0 {
		pools, err := s.store.ListPools(ctx, PoolFilter{Owner: owner})
		if err != nil {
			return err
		}
		if len(pools)+1 > quota.TotalPoolQuota {
			return &QuotaExceededError{Quota: "total_pools", Limit: quota.TotalPoolQuota, Requested: len(pools) + 1}
		}
	}
	if quota.TotalVMQuota > 0 {
		vms, err := s.store.CountAppliancesByOwner(ctx, owner)
		if err != nil {
			return err
		}
		if vms+count > quota.TotalVMQuota {
			return &QuotaExceededError{Quota: "total_vms", Limit: quota.TotalVMQuota, Requested: vms + count}
		}
	}
	return nil
}

// RequestAppliances creates a pool for the owner and dispatches provisioning
// work, returning the pool id immediately. Appliances arrive asynchronously;
// callers poll RequestCheck.
func (s *Service) RequestAppliances(ctx context.Context, owner string, req PoolRequest) (int64, error) {
	if req.Count <= 0 {
		return 0, fmt.Errorf("appliance count must be positive, got %d", req.Count)
	}
	if _, err := s.store.GetGroup(ctx, req.GroupID); err != nil {
		return 0, err
	}
	if err := s.enforceQuotas(ctx, owner, req.Count); err != nil {
		return 0, err
	}

	pool := &AppliancePool{
		Owner:         owner,
		GroupID:       req.GroupID,
		Version:       req.Version,
		Date:          req.Date,
		TemplateID:    req.TemplateID,
		Preconfigured: req.Preconfigured,
		YumUpdate:     req.YumUpdate,
		NumAppliances: req.Count,
		LeaseTime:     req.LeaseTime,
	}
	if err := s.store.CreatePool(ctx, pool); err != nil {
		return 0, err
	}
	s.logger.Info("pool requested",
		zap.Int64("pool", pool.ID), zap.String("owner", owner),
		zap.String("group", req.GroupID), zap.Int("count", req.Count))

	remaining := req.Count

	// Preconfigured requests drain the shepherd first: ready appliances
	// waiting without a pool get assigned on the spot.
	if req.Preconfigured {
		taken, err := s.assignFromShepherd(ctx, pool, remaining)
		if err != nil {
			return 0, err
		}
		remaining -= taken
	}

	for i := 0; i < remaining; i++ {
		if err := s.DispatchProvision(ctx, pool, req.ProviderToAvoid); err != nil {
			return 0, err
		}
	}
	return pool.ID, nil
}

// assignFromShepherd moves up to want matching shepherd appliances into the
// pool and starts their leases.
func (s *Service) assignFromShepherd(ctx context.Context, pool *AppliancePool, want int) (int, error) {
	if want <= 0 {
		return 0, nil
	}
	shepherd, err := s.store.ListAppliances(ctx, ApplianceFilter{Shepherd: true})
	if err != nil {
		return 0, err
	}
	taken := 0
	for _, a := range shepherd {
		if taken == want {
			break
		}
		t, err := s.store.GetTemplate(ctx, a.TemplateID)
		if err != nil {
			continue
		}
		if t.GroupID != pool.GroupID || !t.Preconfigured {
			continue
		}
		if pool.Version != "" && t.Version != pool.Version {
			continue
		}
		err = s.store.WithAppliance(ctx, a.ID, func(row *Appliance) error {
			if row.PoolID != 0 || !row.Ready {
				return fmt.Errorf("appliance %d was taken concurrently", row.ID)
			}
			row.PoolID = pool.ID
			row.Owner = pool.Owner
			row.DatetimeLeased, row.LeasedUntil = s.leaseWindow(pool.LeaseTime)
			return nil
		})
		if err != nil {
			continue
		}
		taken++
	}
	return taken, nil
}

// DispatchProvision reserves one appliance for the pool, or parks the work
// as a delayed task when no capacity exists. The control loops call this for
// delayed retries with the task's provider preference.
func (s *Service) DispatchProvision(ctx context.Context, pool *AppliancePool, avoid string) error {
	cand, err := s.findCandidate(ctx, pool, avoid)
	if errors.Is(err, ErrNoCandidate) {
		task := &DelayedProvisionTask{
			PoolID:          pool.ID,
			LeaseTime:       pool.LeaseTime,
			ProviderToAvoid: avoid,
		}
		if err := s.store.CreateDelayedTask(ctx, task); err != nil {
			return err
		}
		s.logger.Debug("provision delayed", zap.Int64("pool", pool.ID))
		return nil
	}
	if err != nil {
		return err
	}

	now := s.now()
	a := &Appliance{
		Owner:             pool.Owner,
		Name:              fmt.Sprintf("hm-%s-%s", pool.GroupID, uuid.NewString()[:8]),
		UUID:              uuid.New(),
		TemplateID:        cand.Template.ID,
		PoolID:            pool.ID,
		PowerState:        PowerUnknown,
		PowerStateChanged: now,
		Status:            StateQueued,
		StatusChanged:     now,
	}
	err = s.store.ReserveAndAssign(ctx, cand.Provider.ID, a)
	if errors.Is(err, ErrNoCapacity) {
		task := &DelayedProvisionTask{
			PoolID:          pool.ID,
			LeaseTime:       pool.LeaseTime,
			ProviderToAvoid: avoid,
		}
		return s.store.CreateDelayedTask(ctx, task)
	}
	if err != nil {
		return err
	}
	s.logger.Info("appliance queued",
		zap.Int64("appliance", a.ID), zap.Int64("pool", pool.ID),
		zap.String("provider", cand.Provider.ID), zap.String("template", cand.Template.Name))
	return nil
}

// ApplianceInfo is the per-appliance view RequestCheck exposes.
type ApplianceInfo struct {
	ID             int64
	Ready          bool
	Name           string
	IPAddress      string
	Status         ProvisionState
	PowerState     PowerState
	StatusChanged  time.Time
	DatetimeLeased *time.Time
	LeasedUntil    *time.Time
}

// RequestCheckResult is the pool's progress snapshot.
type RequestCheckResult struct {
	Fulfilled       bool
	PercentFinished float64
	Appliances      []ApplianceInfo
	QueuedTasks     int
}

// RequestCheck reports the pool's fulfillment state and appliances.
func (s *Service) RequestCheck(ctx context.Context, poolID int64) (*RequestCheckResult, error) {
	pool, err := s.store.GetPool(ctx, poolID)
	if err != nil {
		return nil, err
	}
	appliances, err := s.store.ListAppliances(ctx, ApplianceFilter{PoolID: &poolID})
	if err != nil {
		return nil, err
	}
	tasks, err := s.store.ListDelayedTasks(ctx, poolID)
	if err != nil {
		return nil, err
	}
	status := DerivePoolStatus(pool, appliances, len(tasks))
	res := &RequestCheckResult{
		Fulfilled:       status.Fulfilled,
		PercentFinished: status.PercentFinished,
		QueuedTasks:     status.QueuedTasks,
	}
	for _, a := range appliances {
		res.Appliances = append(res.Appliances, ApplianceInfo{
			ID:             a.ID,
			Ready:          a.Ready,
			Name:           a.Name,
			IPAddress:      a.IPAddress,
			Status:         a.Status,
			PowerState:     a.PowerState,
			StatusChanged:  a.StatusChanged,
			DatetimeLeased: a.DatetimeLeased,
			LeasedUntil:    a.LeasedUntil,
		})
	}
	return res, nil
}

// ProlongApplianceLease extends one appliance's lease from now. Zero minutes
// is a no-op.
func (s *Service) ProlongApplianceLease(ctx context.Context, id int64, minutes int) error {
	if minutes == 0 {
		return nil
	}
	return s.store.WithAppliance(ctx, id, func(a *Appliance) error {
		until := s.now().Add(time.Duration(minutes) * time.Minute)
		a.LeasedUntil = &until
		return nil
	})
}

// ProlongAppliancePoolLease extends every appliance in the pool.
func (s *Service) ProlongAppliancePoolLease(ctx context.Context, poolID int64, minutes int) error {
	if minutes == 0 {
		return nil
	}
	appliances, err := s.store.ListAppliances(ctx, ApplianceFilter{PoolID: &poolID})
	if err != nil {
		return err
	}
	for _, a := range appliances {
		if err := s.ProlongApplianceLease(ctx, a.ID, minutes); err != nil {
			return err
		}
	}
	return nil
}

// DestroyPool flags the pool for teardown. The reaper cancels its pending
// delayed tasks and kills its appliances on the next tick.
func (s *Service) DestroyPool(ctx context.Context, poolID int64) error {
	pool, err := s.store.GetPool(ctx, poolID)
	if err != nil {
		return err
	}
	pool.NotNeededAnymore = true
	if err := s.store.SavePool(ctx, pool); err != nil {
		return err
	}
	s.logger.Info("pool flagged for teardown", zap.Int64("pool", poolID))
	return nil
}

// PoolExists reports whether the pool row is present.
func (s *Service) PoolExists(ctx context.Context, poolID int64) (bool, error) {
	_, err := s.store.GetPool(ctx, poolID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// GetNumberFreeAppliances returns the group's preconfigured warm pool target.
func (s *Service) GetNumberFreeAppliances(ctx context.Context, groupID string) (int, error) {
	g, err := s.store.GetGroup(ctx, groupID)
	if err != nil {
		return 0, err
	}
	return g.TemplatePoolSize, nil
}

// SetNumberFreeAppliances adjusts the group's warm pool target.
func (s *Service) SetNumberFreeAppliances(ctx context.Context, groupID string, n int) error {
	if n < 0 {
		return fmt.Errorf("free appliance count must be >= 0, got %d", n)
	}
	g, err := s.store.GetGroup(ctx, groupID)
	if err != nil {
		return err
	}
	g.TemplatePoolSize = n
	return s.store.SaveGroup(ctx, g)
}

// NumShepherdAppliances counts ready unassigned appliances, optionally
// restricted to a group.
func (s *Service) NumShepherdAppliances(ctx context.Context, groupID string) (int, error) {
	shepherd, err := s.store.ListAppliances(ctx, ApplianceFilter{Shepherd: true})
	if err != nil {
		return 0, err
	}
	if groupID == "" {
		return len(shepherd), nil
	}
	n := 0
	for _, a := range shepherd {
		t, err := s.store.GetTemplate(ctx, a.TemplateID)
		if err != nil {
			continue
		}
		if t.GroupID == groupID {
			n++
		}
	}
	return n, nil
}

// AvailableCFMEVersions lists distinct usable template versions, newest
// first.
func (s *Service) AvailableCFMEVersions(ctx context.Context) ([]string, error) {
	yes := true
	templates, err := s.store.ListTemplates(ctx, TemplateFilter{Ready: &yes, Usable: &yes, Exists: &yes})
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var parsed []*version.Version
	for _, t := range templates {
		if t.Version == "" || seen[t.Version] {
			continue
		}
		v, err := version.NewVersion(t.Version)
		if err != nil {
			continue
		}
		seen[t.Version] = true
		parsed = append(parsed, v)
	}
	sort.Sort(sort.Reverse(version.Collection(parsed)))
	out := make([]string, len(parsed))
	for i, v := range parsed {
		out[i] = v.Original()
	}
	return out, nil
}

// AvailableGroups lists registered group ids.
func (s *Service) AvailableGroups(ctx context.Context) ([]string, error) {
	groups, err := s.store.ListGroups(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(groups))
	for i, g := range groups {
		out[i] = g.ID
	}
	return out, nil
}

// AvailableProviders lists enabled provider ids.
func (s *Service) AvailableProviders(ctx context.Context) ([]string, error) {
	provs, err := s.store.ListProviders(ctx)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, p := range provs {
		if !p.Disabled {
			out = append(out, p.ID)
		}
	}
	return out, nil
}

// AddProvider registers or updates a provider record.
func (s *Service) AddProvider(ctx context.Context, p *Provider) error {
	if p.ID == "" {
		return fmt.Errorf("provider id must not be empty")
	}
	return s.store.SaveProvider(ctx, p)
}

// clientFor resolves the appliance's provider client through its template.
func (s *Service) clientFor(ctx context.Context, a *Appliance) (Client, error) {
	t, err := s.store.GetTemplate(ctx, a.TemplateID)
	if err != nil {
		return nil, err
	}
	client, ok := s.providers.ClientFor(t.ProviderID)
	if !ok {
		return nil, fmt.Errorf("no client for provider %s", t.ProviderID)
	}
	return client, nil
}

// KillAppliance tears one appliance down. Killing an already destroyed (or
// vanished) appliance is a no-op; the operation is safe to repeat.
func (s *Service) KillAppliance(ctx context.Context, id int64) error {
	a, err := s.store.GetAppliance(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if a.Status == StateDestroyed {
		return nil
	}

	if err := s.store.WithAppliance(ctx, id, func(row *Appliance) error {
		row.Status = StateDestroying
		row.StatusChanged = s.now()
		return nil
	}); err != nil {
		return err
	}

	client, err := s.clientFor(ctx, a)
	if err == nil {
		exists, exErr := client.VMExists(ctx, a.Name)
		if exErr == nil && exists {
			if err := client.Destroy(ctx, a.Name); err != nil {
				return fmt.Errorf("destroying appliance %d: %w", id, err)
			}
		}
	}

	return s.store.WithAppliance(ctx, id, func(row *Appliance) error {
		row.Status = StateDestroyed
		row.StatusChanged = s.now()
		row.Ready = false
		row.Exists = false
		return nil
	})
}

// DestroyAppliance resolves the identifier (id, ip or name) and kills it.
func (s *Service) DestroyAppliance(ctx context.Context, identifier string) error {
	a, err := s.store.FindAppliance(ctx, identifier)
	if err != nil {
		return err
	}
	return s.KillAppliance(ctx, a.ID)
}

func (s *Service) withPowerOp(ctx context.Context, identifier string, target PowerState,
	op func(Client, context.Context, string) error) error {
	a, err := s.store.FindAppliance(ctx, identifier)
	if err != nil {
		return err
	}
	client, err := s.clientFor(ctx, a)
	if err != nil {
		return err
	}
	if err := op(client, ctx, a.Name); err != nil {
		return err
	}
	return s.store.WithAppliance(ctx, a.ID, func(row *Appliance) error {
		if row.PowerState != target {
			row.PowerState = target
			row.PowerStateChanged = s.now()
		}
		return nil
	})
}

// AppliancePowerOn powers the appliance on.
func (s *Service) AppliancePowerOn(ctx context.Context, identifier string) error {
	return s.withPowerOp(ctx, identifier, PowerOn,
		func(c Client, ctx context.Context, name string) error { return c.PowerOn(ctx, name) })
}

// AppliancePowerOff powers the appliance off.
func (s *Service) AppliancePowerOff(ctx context.Context, identifier string) error {
	return s.withPowerOp(ctx, identifier, PowerOff,
		func(c Client, ctx context.Context, name string) error { return c.PowerOff(ctx, name) })
}

// ApplianceSuspend suspends the appliance.
func (s *Service) ApplianceSuspend(ctx context.Context, identifier string) error {
	return s.withPowerOp(ctx, identifier, PowerSuspended,
		func(c Client, ctx context.Context, name string) error { return c.Suspend(ctx, name) })
}

// AppliancePowerState reports the stored power state for an identifier.
func (s *Service) AppliancePowerState(ctx context.Context, identifier string) (PowerState, error) {
	a, err := s.store.FindAppliance(ctx, identifier)
	if err != nil {
		return PowerUnknown, err
	}
	return a.PowerState, nil
}

// ListAppliances returns the caller's appliances, or everything for staff.
func (s *Service) ListAppliances(ctx context.Context, owner string) ([]*Appliance, error) {
	return s.store.ListAppliances(ctx, ApplianceFilter{Owner: owner})
}
