package sprout

import (
	"context"
	"errors"
	"sort"
	"time"
)

// ErrNoCandidate means no eligible (provider, template) pair exists right
// now; the request parks as a delayed task.
var ErrNoCandidate = errors.New("no eligible provider/template pair")

// Candidate is a schedulable (provider, template) pair.
type Candidate struct {
	Provider *Provider
	Template *Template
}

// ProviderLoad is the derived capacity view of one provider.
type ProviderLoad struct {
	Provider                   *Provider
	RemainingProvisioningSlots int
	ProvisioningLoad           float64
	ApplianceLoad              float64
	ApplianceCount             int
}

// loadFor computes the provider's live counters.
func (s *Service) loadFor(ctx context.Context, p *Provider) (*ProviderLoad, error) {
	inFlight, err := s.store.CountAppliancesInState(ctx, p.ID, StateQueued, StateProvisioning)
	if err != nil {
		return nil, err
	}
	total, err := s.store.CountAppliancesOnProvider(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	load := &ProviderLoad{
		Provider:                   p,
		RemainingProvisioningSlots: p.NumSimultaneousProvisioning - inFlight,
		ApplianceCount:             total,
	}
	if load.RemainingProvisioningSlots < 0 {
		load.RemainingProvisioningSlots = 0
	}
	if p.NumSimultaneousProvisioning > 0 {
		load.ProvisioningLoad = float64(inFlight) / float64(p.NumSimultaneousProvisioning)
	}
	if p.ApplianceLimit > 0 {
		load.ApplianceLoad = float64(total) / float64(p.ApplianceLimit)
	}
	return load, nil
}

// eligible reports whether the provider can take one more provisioning job.
func (l *ProviderLoad) eligible() bool {
	if l.Provider.Disabled {
		return false
	}
	if l.RemainingProvisioningSlots <= 0 {
		return false
	}
	if l.Provider.ApplianceLimit > 0 && l.ApplianceCount >= l.Provider.ApplianceLimit {
		return false
	}
	return true
}

// findCandidate picks a (provider, template) pair for the pool, or
// ErrNoCandidate. A pool pinned to a template considers only that template.
// The avoid provider is a soft preference: it is considered only when no
// other provider is eligible. Among eligible providers the least loaded
// wins.
func (s *Service) findCandidate(ctx context.Context, pool *AppliancePool, avoid string) (*Candidate, error) {
	group, err := s.store.GetGroup(ctx, pool.GroupID)
	if err != nil {
		return nil, err
	}

	yes := true
	filter := TemplateFilter{
		GroupID:       pool.GroupID,
		Version:       pool.Version,
		Preconfigured: &pool.Preconfigured,
		Ready:         &yes,
		Usable:        &yes,
		Exists:        &yes,
	}
	if !pool.Date.IsZero() {
		d := pool.Date
		filter.Date = &d
	}
	templates, err := s.store.ListTemplates(ctx, filter)
	if err != nil {
		return nil, err
	}
	now := s.now()
	fresh := templates[:0]
	for _, t := range templates {
		if pool.TemplateID != 0 && t.ID != pool.TemplateID {
			continue
		}
		if t.Eligible(now, group.TemplateObsoleteDays) {
			fresh = append(fresh, t)
		}
	}
	if len(fresh) == 0 {
		return nil, ErrNoCandidate
	}

	byProvider := make(map[string][]*Template)
	for _, t := range fresh {
		byProvider[t.ProviderID] = append(byProvider[t.ProviderID], t)
	}

	provs, err := s.store.ListProviders(ctx)
	if err != nil {
		return nil, err
	}
	var loads []*ProviderLoad
	for _, p := range provs {
		if len(byProvider[p.ID]) == 0 {
			continue
		}
		load, err := s.loadFor(ctx, p)
		if err != nil {
			return nil, err
		}
		if load.eligible() {
			loads = append(loads, load)
		}
	}
	if len(loads) == 0 {
		return nil, ErrNoCandidate
	}
	sort.SliceStable(loads, func(i, j int) bool {
		return loads[i].ApplianceLoad < loads[j].ApplianceLoad
	})

	pick := loads[0]
	if pick.Provider.ID == avoid {
		for _, l := range loads[1:] {
			if l.Provider.ID != avoid {
				pick = l
				break
			}
		}
	}

	// Newest template on the chosen provider.
	ts := byProvider[pick.Provider.ID]
	sort.SliceStable(ts, func(i, j int) bool { return ts[i].Date.After(ts[j].Date) })
	return &Candidate{Provider: pick.Provider, Template: ts[0]}, nil
}

// leaseWindow computes the lease bracket for an appliance handed out now.
func (s *Service) leaseWindow(lease time.Duration) (*time.Time, *time.Time) {
	if lease <= 0 {
		return nil, nil
	}
	start := s.now()
	end := start.Add(lease)
	return &start, &end
}
