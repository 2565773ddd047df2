package sprout

import (
	"context"
	"time"
)

// TemplateFilter narrows template listings. Zero values match everything.
type TemplateFilter struct {
	GroupID       string
	ProviderID    string
	Version       string
	Date          *time.Time
	Preconfigured *bool
	Ready         *bool
	Usable        *bool
	Exists        *bool
}

// ApplianceFilter narrows appliance listings.
type ApplianceFilter struct {
	PoolID *int64
	// Shepherd selects ready appliances not assigned to any pool.
	Shepherd bool
	Owner    string
	// IncludeGone also returns destroying/destroyed rows.
	IncludeGone bool
}

// PoolFilter narrows pool listings.
type PoolFilter struct {
	Owner string
	// NotNeeded selects pools flagged for teardown.
	NotNeeded *bool
}

// Store is every persistence operation the service and its control loops
// need. All mutating methods are atomic per call; implementations live in
// the store package.
type Store interface {
	// Users and quotas.
	GetUser(ctx context.Context, username string) (*User, error)
	SaveUser(ctx context.Context, u *User) error
	GetQuota(ctx context.Context, username string) (*UserApplianceQuota, error)
	SaveQuota(ctx context.Context, q *UserApplianceQuota) error

	// Providers.
	GetProvider(ctx context.Context, id string) (*Provider, error)
	SaveProvider(ctx context.Context, p *Provider) error
	ListProviders(ctx context.Context) ([]*Provider, error)

	// Groups.
	GetGroup(ctx context.Context, id string) (*Group, error)
	SaveGroup(ctx context.Context, g *Group) error
	ListGroups(ctx context.Context) ([]*Group, error)

	// Templates.
	GetTemplate(ctx context.Context, id int64) (*Template, error)
	SaveTemplate(ctx context.Context, t *Template) error
	ListTemplates(ctx context.Context, f TemplateFilter) ([]*Template, error)

	// Pools.
	CreatePool(ctx context.Context, p *AppliancePool) error
	GetPool(ctx context.Context, id int64) (*AppliancePool, error)
	SavePool(ctx context.Context, p *AppliancePool) error
	DeletePool(ctx context.Context, id int64) error
	ListPools(ctx context.Context, f PoolFilter) ([]*AppliancePool, error)

	// Appliances. FindAppliance resolves an identifier that may be a
	// numeric id, an IP address or a VM name.
	GetAppliance(ctx context.Context, id int64) (*Appliance, error)
	FindAppliance(ctx context.Context, identifier string) (*Appliance, error)
	SaveAppliance(ctx context.Context, a *Appliance) error
	ListAppliances(ctx context.Context, f ApplianceFilter) ([]*Appliance, error)
	CountAppliancesByOwner(ctx context.Context, owner string) (int, error)
	// CountAppliancesOnProvider counts non-destroyed appliances whose
	// template lives on the provider.
	CountAppliancesOnProvider(ctx context.Context, providerID string) (int, error)
	CountAppliancesInState(ctx context.Context, providerID string, states ...ProvisionState) (int, error)

	// WithAppliance runs fn under the appliance's row lock and persists
	// the (possibly mutated) row when fn succeeds.
	WithAppliance(ctx context.Context, id int64, fn func(a *Appliance) error) error

	// ReserveAndAssign re-checks the provider's capacity and inserts the
	// appliance row in one transaction. ErrNoCapacity comes back when
	// another writer took the last slot.
	ReserveAndAssign(ctx context.Context, providerID string, a *Appliance) error

	// Delayed provisioning tasks. A poolID of 0 lists every task.
	CreateDelayedTask(ctx context.Context, t *DelayedProvisionTask) error
	ListDelayedTasks(ctx context.Context, poolID int64) ([]*DelayedProvisionTask, error)
	DeleteDelayedTask(ctx context.Context, id int64) error

	// Mismatch mailer. RecordVersionMismatch reports false without
	// writing when an unsent row for the same
	// (provider, template name, actual version) already exists.
	RecordVersionMismatch(ctx context.Context, m *MismatchVersionMailer) (bool, error)
	ListUnsentMailers(ctx context.Context) ([]*MismatchVersionMailer, error)
	MarkMailerSent(ctx context.Context, id int64) error
}
