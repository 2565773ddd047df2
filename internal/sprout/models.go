// Package sprout implements the appliance pool service: lease-limited pools
// of virtual appliances drawn from provider-side templates, with per-user
// quotas, delayed provisioning, and template lifecycle tracking.
package sprout

import (
	"time"

	"github.com/google/uuid"
)

// PowerState is the observed power state of an appliance VM.
type PowerState string

const (
	PowerOn        PowerState = "on"
	PowerOff       PowerState = "off"
	PowerSuspended PowerState = "suspended"
	PowerPaused    PowerState = "paused"
	PowerUnknown   PowerState = "unknown"
)

// ProvisionState tracks an appliance through its provisioning lifecycle.
type ProvisionState string

const (
	StateQueued       ProvisionState = "queued"
	StateProvisioning ProvisionState = "provisioning"
	StateConfiguring  ProvisionState = "configuring"
	StateReady        ProvisionState = "ready"
	StateRenaming     ProvisionState = "renaming"
	StateError        ProvisionState = "error"
	StateDestroying   ProvisionState = "destroying"
	StateDestroyed    ProvisionState = "destroyed"
)

// Metadata is the free-form extension blob every entity carries.
type Metadata map[string]any

// User owns pools and authenticates RPC calls.
type User struct {
	ID           int64
	Username     string
	PasswordHash string
	Staff        bool
	Metadata     Metadata
}

// Provider is an infrastructure backend appliances live on.
type Provider struct {
	ID                          string
	IPAddress                   string
	NumSimultaneousProvisioning int
	NumSimultaneousConfiguring  int
	// ApplianceLimit of 0 means unlimited.
	ApplianceLimit int
	Disabled       bool
	Metadata       Metadata
}

// Group is a logical appliance family, the unit users request by.
type Group struct {
	ID string
	// TemplatePoolSize is the preconfigured warm pool target, the
	// "shepherd" appliances kept ready ahead of demand.
	TemplatePoolSize int
	// UnconfiguredTemplatePoolSize is the raw warm pool target.
	UnconfiguredTemplatePoolSize int
	// TemplateObsoleteDays of 0 disables obsolescence.
	TemplateObsoleteDays       int
	TemplateObsoleteDaysDelete bool
	// DeleteScript names the automation hook run for obsolete template
	// deletion, empty when none is configured.
	DeleteScript string
	Metadata     Metadata
}

// Template is one provider-side copy of a logical template.
type Template struct {
	ID              int64
	ProviderID      string
	GroupID         string
	Name            string
	OriginalName    string
	Version         string
	Date            time.Time
	Ready           bool
	Exists          bool
	Usable          bool
	Preconfigured   bool
	SuggestedDelete bool
	// LastDeleteScriptError keeps the most recent automation failure so
	// operators can see why an obsolete template is still around.
	LastDeleteScriptError string
	Metadata              Metadata
}

// Eligible reports whether this template can be provisioned from at all.
// Filters (group, version, date, preconfigured) are applied by the scheduler.
func (t *Template) Eligible(now time.Time, obsoleteDays int) bool {
	if !t.Ready || !t.Usable || !t.Exists {
		return false
	}
	if obsoleteDays > 0 && t.Date.Before(now.AddDate(0, 0, -obsoleteDays)) {
		return false
	}
	return true
}

// Obsolete reports whether the template has aged out of its group's window.
func (t *Template) Obsolete(now time.Time, obsoleteDays int) bool {
	return obsoleteDays > 0 && t.Date.Before(now.AddDate(0, 0, -obsoleteDays))
}

// Appliance is one leased (or shepherd) VM.
type Appliance struct {
	ID         int64
	Owner      string
	Name       string
	IPAddress  string
	UUID       uuid.UUID
	TemplateID int64
	// PoolID of 0 means the appliance is unassigned, part of the shepherd.
	PoolID           int64
	Ready            bool
	Exists           bool
	LunDiskConnected bool

	PowerState        PowerState
	PowerStateChanged time.Time
	Status            ProvisionState
	StatusChanged     time.Time

	DatetimeLeased *time.Time
	LeasedUntil    *time.Time
	Description    string
	Metadata       Metadata
}

// LeaseExpired reports whether the appliance's lease ran out.
func (a *Appliance) LeaseExpired(now time.Time) bool {
	return a.LeasedUntil != nil && a.LeasedUntil.Before(now)
}

// Gone reports whether the appliance is on its way out or already destroyed.
func (a *Appliance) Gone() bool {
	return a.Status == StateDestroying || a.Status == StateDestroyed
}

// AppliancePool is one user request for appliances of a group.
type AppliancePool struct {
	ID               int64
	Owner            string
	GroupID          string
	Version          string
	Date             time.Time
	// TemplateID pins the pool to one template; zero means any eligible
	// template in the group.
	TemplateID       int64
	Preconfigured    bool
	YumUpdate        bool
	NumAppliances    int
	LeaseTime        time.Duration
	NotNeededAnymore bool
	Finished         bool
	Description      string
	Metadata         Metadata
}

// PoolStatus is the derived view of a pool against its current appliances
// and queued tasks.
type PoolStatus struct {
	Fulfilled       bool
	CurrentCount    int
	PercentFinished float64
	ApplianceIPs    []string
	QueuedTasks     int
}

// DerivePoolStatus computes the pool's derived fields from its live
// appliances and pending delayed tasks. A pool is fulfilled when exactly
// num_appliances are ready, regardless of queued work.
func DerivePoolStatus(pool *AppliancePool, appliances []*Appliance, queuedTasks int) PoolStatus {
	st := PoolStatus{QueuedTasks: queuedTasks}
	ready := 0
	for _, a := range appliances {
		if a.Gone() {
			continue
		}
		st.CurrentCount++
		if a.Ready {
			ready++
		}
		if a.IPAddress != "" {
			st.ApplianceIPs = append(st.ApplianceIPs, a.IPAddress)
		}
	}
	st.Fulfilled = ready == pool.NumAppliances
	if pool.NumAppliances > 0 {
		st.PercentFinished = float64(ready) / float64(pool.NumAppliances) * 100
	}
	return st
}

// DelayedProvisionTask is a provisioning request parked until capacity shows
// up. ProviderToAvoid is a soft preference: the fulfillment loop uses the
// avoided provider only when nothing else is eligible.
type DelayedProvisionTask struct {
	ID              int64
	PoolID          int64
	LeaseTime       time.Duration
	ProviderToAvoid string
	Metadata        Metadata
}

// UserApplianceQuota bounds a user's concurrent usage. Zero values mean
// unlimited.
type UserApplianceQuota struct {
	Username       string
	PerPoolQuota   int
	TotalPoolQuota int
	TotalVMQuota   int
	Metadata       Metadata
}

// MismatchVersionMailer records a template whose name-encoded version
// disagrees with the observed one. Unseen rows (sent=false) are the work
// queue of the notifier; the store deduplicates on
// (provider, template name, actual version, sent=false).
type MismatchVersionMailer struct {
	ID              int64
	ProviderID      string
	TemplateName    string
	SupposedVersion string
	ActualVersion   string
	Sent            bool
	Metadata        Metadata
}
