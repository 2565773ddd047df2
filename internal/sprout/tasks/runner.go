// Package tasks runs the pool service's background control loops: delayed
// provisioning, appliance provisioning and reaping, power-state
// reconciliation, template scanning, obsolescence deletion, and mismatch
// notification. Every tick is idempotent; the loops tolerate at-least-once
// execution and crashes between steps.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/harbormaster/internal/config"
	"github.com/xkilldash9x/harbormaster/internal/observability"
	"github.com/xkilldash9x/harbormaster/internal/sprout"
)

// Notifier delivers mismatch notifications. The default logs them; real
// deployments plug in mail.
type Notifier interface {
	NotifyMismatch(ctx context.Context, m *sprout.MismatchVersionMailer) error
}

type logNotifier struct{ logger *zap.Logger }

func (n logNotifier) NotifyMismatch(_ context.Context, m *sprout.MismatchVersionMailer) error {
	n.logger.Warn("template version mismatch",
		zap.String("provider", m.ProviderID), zap.String("template", m.TemplateName),
		zap.String("supposed", m.SupposedVersion), zap.String("actual", m.ActualVersion))
	return nil
}

// DeleteScript runs a group's obsolete-template automation hook.
type DeleteScript func(ctx context.Context, script string, t *sprout.Template) error

// Runner owns the loop goroutines.
type Runner struct {
	svc       *sprout.Service
	store     sprout.Store
	providers sprout.Registry
	cfg       config.SproutConfig
	logger    *zap.Logger
	metrics   *Metrics
	notifier  Notifier
	deleter   DeleteScript
	now       func() time.Time
}

// RunnerOption customizes a Runner.
type RunnerOption func(*Runner)

// WithNotifier replaces the mismatch notifier.
func WithNotifier(n Notifier) RunnerOption {
	return func(r *Runner) { r.notifier = n }
}

// WithDeleteScript installs the obsolete-template automation hook.
func WithDeleteScript(d DeleteScript) RunnerOption {
	return func(r *Runner) { r.deleter = d }
}

// WithRunnerClock overrides the runner's time source.
func WithRunnerClock(now func() time.Time) RunnerOption {
	return func(r *Runner) { r.now = now }
}

// NewRunner builds the control loop runner.
func NewRunner(svc *sprout.Service, reg sprout.Registry, cfg config.SproutConfig,
	promReg prometheus.Registerer, opts ...RunnerOption) *Runner {
	logger := observability.GetLogger().Named("tasks")
	r := &Runner{
		svc:       svc,
		store:     svc.Store(),
		providers: reg,
		cfg:       cfg,
		logger:    logger,
		metrics:   NewMetrics(promReg),
		notifier:  logNotifier{logger: logger},
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run starts every loop and blocks until the context is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.loop(ctx, "fulfillment", r.cfg.FulfillInterval, r.TickFulfillment) })
	g.Go(func() error { return r.loop(ctx, "reaper", r.cfg.ReaperInterval, r.TickReaper) })
	g.Go(func() error { return r.loop(ctx, "power_sync", r.cfg.PowerSyncInterval, r.TickPowerStates) })
	g.Go(func() error { return r.loop(ctx, "template_scan", r.cfg.ScanInterval, r.TickTemplates) })
	g.Go(func() error { return r.loop(ctx, "obsolescence", r.cfg.ObsolescenceInterval, r.TickObsolescence) })
	g.Go(func() error { return r.loop(ctx, "mailer", r.cfg.MailerInterval, r.TickMailer) })
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// loop ticks fn on the interval until the context ends. Tick failures are
// logged and counted, never fatal.
func (r *Runner) loop(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) error {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		r.metrics.LoopRuns.WithLabelValues(name).Inc()
		if err := fn(ctx); err != nil {
			r.metrics.LoopErrors.WithLabelValues(name).Inc()
			r.logger.Error("control loop tick failed", zap.String("loop", name), zap.Error(err))
		}
	}
}

// TickFulfillment retries delayed provisioning tasks and advances queued
// appliances through deploy and configure to ready.
func (r *Runner) TickFulfillment(ctx context.Context) error {
	tasks, err := r.store.ListDelayedTasks(ctx, 0)
	if err != nil {
		return err
	}
	r.metrics.DelayedTasks.Set(float64(len(tasks)))
	for _, task := range tasks {
		pool, err := r.store.GetPool(ctx, task.PoolID)
		if errors.Is(err, sprout.ErrNotFound) {
			if err := r.store.DeleteDelayedTask(ctx, task.ID); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return err
		}
		if pool.NotNeededAnymore {
			// The reaper owns teardown; leave the task for it.
			continue
		}
		// Consume the task first so a crash re-queues at most once via
		// DispatchProvision instead of provisioning twice.
		if err := r.store.DeleteDelayedTask(ctx, task.ID); err != nil {
			return err
		}
		if err := r.svc.DispatchProvision(ctx, pool, task.ProviderToAvoid); err != nil {
			r.logger.Error("delayed provision dispatch failed",
				zap.Int64("pool", pool.ID), zap.Error(err))
		}
	}
	return r.advanceProvisioning(ctx)
}

// advanceProvisioning walks queued and provisioning appliances forward.
func (r *Runner) advanceProvisioning(ctx context.Context) error {
	appliances, err := r.store.ListAppliances(ctx, sprout.ApplianceFilter{})
	if err != nil {
		return err
	}
	for _, a := range appliances {
		switch a.Status {
		case sprout.StateQueued:
			if err := r.deployAppliance(ctx, a); err != nil {
				r.logger.Error("deploy failed", zap.Int64("appliance", a.ID), zap.Error(err))
			}
		case sprout.StateConfiguring:
			if err := r.finishAppliance(ctx, a); err != nil {
				r.logger.Error("configure failed", zap.Int64("appliance", a.ID), zap.Error(err))
			}
		}
	}
	return nil
}

func (r *Runner) clientAndTemplate(ctx context.Context, a *sprout.Appliance) (sprout.Client, *sprout.Template, error) {
	t, err := r.store.GetTemplate(ctx, a.TemplateID)
	if err != nil {
		return nil, nil, err
	}
	client, ok := r.providers.ClientFor(t.ProviderID)
	if !ok {
		return nil, nil, fmt.Errorf("no client for provider %s", t.ProviderID)
	}
	return client, t, nil
}

// deployAppliance starts the VM for a queued appliance. Failure moves the
// row to error and re-queues the pool's demand as a delayed task.
func (r *Runner) deployAppliance(ctx context.Context, a *sprout.Appliance) error {
	client, template, err := r.clientAndTemplate(ctx, a)
	if err != nil {
		return err
	}
	if err := r.store.WithAppliance(ctx, a.ID, func(row *sprout.Appliance) error {
		row.Status = sprout.StateProvisioning
		row.StatusChanged = r.now()
		return nil
	}); err != nil {
		return err
	}

	if err := client.Deploy(ctx, template.Name, a.Name); err != nil {
		r.metrics.ProvisionFailures.Inc()
		if stErr := r.store.WithAppliance(ctx, a.ID, func(row *sprout.Appliance) error {
			row.Status = sprout.StateError
			row.StatusChanged = r.now()
			return nil
		}); stErr != nil {
			return stErr
		}
		if a.PoolID != 0 {
			pool, perr := r.store.GetPool(ctx, a.PoolID)
			if perr == nil && !pool.NotNeededAnymore {
				task := &sprout.DelayedProvisionTask{
					PoolID:          pool.ID,
					LeaseTime:       pool.LeaseTime,
					ProviderToAvoid: template.ProviderID,
				}
				if terr := r.store.CreateDelayedTask(ctx, task); terr != nil {
					return terr
				}
			}
		}
		return fmt.Errorf("deploying %s: %w", a.Name, err)
	}

	return r.store.WithAppliance(ctx, a.ID, func(row *sprout.Appliance) error {
		row.Status = sprout.StateConfiguring
		row.StatusChanged = r.now()
		return nil
	})
}

// finishAppliance collects the VM's IP and marks the appliance ready,
// starting its lease when it belongs to a pool.
func (r *Runner) finishAppliance(ctx context.Context, a *sprout.Appliance) error {
	client, _, err := r.clientAndTemplate(ctx, a)
	if err != nil {
		return err
	}
	ip, err := client.VMIP(ctx, a.Name)
	if err != nil {
		return err
	}
	if ip == "" {
		// Not up yet; try again next tick.
		return nil
	}

	var lease time.Duration
	if a.PoolID != 0 {
		pool, err := r.store.GetPool(ctx, a.PoolID)
		if err == nil {
			lease = pool.LeaseTime
		}
	}
	err = r.store.WithAppliance(ctx, a.ID, func(row *sprout.Appliance) error {
		row.IPAddress = ip
		row.Ready = true
		row.Exists = true
		row.Status = sprout.StateReady
		row.StatusChanged = r.now()
		row.PowerState = sprout.PowerOn
		if row.PoolID != 0 && lease > 0 && row.LeasedUntil == nil {
			start := r.now()
			end := start.Add(lease)
			row.DatetimeLeased = &start
			row.LeasedUntil = &end
		}
		return nil
	})
	if err != nil {
		return err
	}
	r.metrics.AppliancesReady.Inc()
	r.logger.Info("appliance ready", zap.Int64("appliance", a.ID), zap.String("ip", ip))
	return nil
}

// TickReaper tears down pools flagged not-needed (cancelling their pending
// delayed tasks first) and kills appliances with expired leases.
func (r *Runner) TickReaper(ctx context.Context) error {
	flag := true
	doomed, err := r.store.ListPools(ctx, sprout.PoolFilter{NotNeeded: &flag})
	if err != nil {
		return err
	}
	for _, pool := range doomed {
		tasks, err := r.store.ListDelayedTasks(ctx, pool.ID)
		if err != nil {
			return err
		}
		for _, task := range tasks {
			if err := r.store.DeleteDelayedTask(ctx, task.ID); err != nil {
				return err
			}
		}
		appliances, err := r.store.ListAppliances(ctx, sprout.ApplianceFilter{PoolID: &pool.ID})
		if err != nil {
			return err
		}
		for _, a := range appliances {
			if err := r.svc.KillAppliance(ctx, a.ID); err != nil {
				r.logger.Error("reaping appliance failed", zap.Int64("appliance", a.ID), zap.Error(err))
				continue
			}
			r.metrics.AppliancesReaped.Inc()
		}
		if len(appliances) == 0 && !pool.Finished {
			pool.Finished = true
			if err := r.store.SavePool(ctx, pool); err != nil {
				return err
			}
		}
	}

	// Lease expiry.
	appliances, err := r.store.ListAppliances(ctx, sprout.ApplianceFilter{})
	if err != nil {
		return err
	}
	now := r.now()
	for _, a := range appliances {
		if !a.LeaseExpired(now) {
			continue
		}
		if err := r.svc.KillAppliance(ctx, a.ID); err != nil {
			r.logger.Error("reaping expired lease failed", zap.Int64("appliance", a.ID), zap.Error(err))
			continue
		}
		r.metrics.AppliancesReaped.Inc()
	}
	return nil
}

// TickPowerStates reconciles stored power states against provider
// observations.
func (r *Runner) TickPowerStates(ctx context.Context) error {
	appliances, err := r.store.ListAppliances(ctx, sprout.ApplianceFilter{})
	if err != nil {
		return err
	}
	for _, a := range appliances {
		if !a.Exists {
			continue
		}
		client, _, err := r.clientAndTemplate(ctx, a)
		if err != nil {
			continue
		}
		observed, err := client.CurrentPowerState(ctx, a.Name)
		if err != nil {
			continue
		}
		if observed == a.PowerState {
			continue
		}
		if err := r.store.WithAppliance(ctx, a.ID, func(row *sprout.Appliance) error {
			row.PowerState = observed
			row.PowerStateChanged = r.now()
			return nil
		}); err != nil {
			return err
		}
	}
	return nil
}

// TickTemplates refreshes template presence from each provider and records
// version mismatches for the notifier.
func (r *Runner) TickTemplates(ctx context.Context) error {
	provs, err := r.store.ListProviders(ctx)
	if err != nil {
		return err
	}
	for _, p := range provs {
		client, ok := r.providers.ClientFor(p.ID)
		if !ok {
			continue
		}
		infos, err := client.ListTemplates(ctx)
		if err != nil {
			r.logger.Warn("template scan failed", zap.String("provider", p.ID), zap.Error(err))
			continue
		}
		observed := make(map[string]sprout.TemplateInfo, len(infos))
		for _, info := range infos {
			observed[info.Name] = info
		}

		known, err := r.store.ListTemplates(ctx, sprout.TemplateFilter{ProviderID: p.ID})
		if err != nil {
			return err
		}
		for _, t := range known {
			info, present := observed[t.Name]
			if present != t.Exists {
				t.Exists = present
				if err := r.store.SaveTemplate(ctx, t); err != nil {
					return err
				}
			}
			if !present || info.Version == "" || info.Version == t.Version {
				continue
			}
			created, err := r.store.RecordVersionMismatch(ctx, &sprout.MismatchVersionMailer{
				ProviderID:      p.ID,
				TemplateName:    t.Name,
				SupposedVersion: t.Version,
				ActualVersion:   info.Version,
			})
			if err != nil {
				return err
			}
			if created {
				r.logger.Info("version mismatch recorded",
					zap.String("template", t.Name), zap.String("actual", info.Version))
			}
		}
	}
	return nil
}

// TickObsolescence deletes templates that aged out of groups with deletion
// enabled. Script failures are recorded on the template and retried on a
// later tick, not immediately.
func (r *Runner) TickObsolescence(ctx context.Context) error {
	groups, err := r.store.ListGroups(ctx)
	if err != nil {
		return err
	}
	now := r.now()
	for _, g := range groups {
		if !g.TemplateObsoleteDaysDelete || g.TemplateObsoleteDays <= 0 {
			continue
		}
		templates, err := r.store.ListTemplates(ctx, sprout.TemplateFilter{GroupID: g.ID})
		if err != nil {
			return err
		}
		for _, t := range templates {
			if !t.Exists || !t.Obsolete(now, g.TemplateObsoleteDays) {
				continue
			}
			if err := r.deleteTemplate(ctx, g, t); err != nil {
				t.LastDeleteScriptError = err.Error()
				if saveErr := r.store.SaveTemplate(ctx, t); saveErr != nil {
					return saveErr
				}
				continue
			}
			t.Exists = false
			t.Usable = false
			t.LastDeleteScriptError = ""
			if err := r.store.SaveTemplate(ctx, t); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *Runner) deleteTemplate(ctx context.Context, g *sprout.Group, t *sprout.Template) error {
	if g.DeleteScript != "" && r.deleter != nil {
		if err := r.deleter(ctx, g.DeleteScript, t); err != nil {
			return fmt.Errorf("delete script %s: %w", g.DeleteScript, err)
		}
	}
	client, ok := r.providers.ClientFor(t.ProviderID)
	if !ok {
		return fmt.Errorf("no client for provider %s", t.ProviderID)
	}
	return client.DeleteTemplate(ctx, t.Name)
}

// TickMailer flushes unsent mismatch notifications. A row is marked sent
// only after the notifier succeeds, so delivery is at-least-once.
func (r *Runner) TickMailer(ctx context.Context) error {
	pending, err := r.store.ListUnsentMailers(ctx)
	if err != nil {
		return err
	}
	r.metrics.MailersPending.Set(float64(len(pending)))
	for _, m := range pending {
		if err := r.notifier.NotifyMismatch(ctx, m); err != nil {
			r.logger.Error("mismatch notification failed", zap.Int64("mailer", m.ID), zap.Error(err))
			continue
		}
		if err := r.store.MarkMailerSent(ctx, m.ID); err != nil {
			return err
		}
	}
	return nil
}
