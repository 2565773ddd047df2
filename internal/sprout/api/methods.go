package api

import (
	"context"
	"strconv"
	"time"

	"github.com/xkilldash9x/harbormaster/internal/sprout"
)

func isoOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

func (h *Handler) registerMethods() {
	h.register(&Method{
		Name:        "request_appliances",
		Description: "Create an appliance pool for the caller and dispatch provisioning; returns the pool id.",
		ArgNames:    []string{"group", "count", "lease_time", "template", "provider_to_avoid", "version", "date", "preconfigured", "yum_update"},
		NeedsAuth:   true,
		Handler: func(ctx context.Context, c *Call) (any, error) {
			group, err := c.String("group")
			if err != nil {
				return nil, err
			}
			count, err := c.IntOr("count", 1)
			if err != nil {
				return nil, err
			}
			leaseMinutes, err := c.IntOr("lease_time", 60)
			if err != nil {
				return nil, err
			}
			templateID, err := c.IntOr("template", 0)
			if err != nil {
				return nil, err
			}
			avoid, err := c.StringOr("provider_to_avoid", "")
			if err != nil {
				return nil, err
			}
			ver, err := c.StringOr("version", "")
			if err != nil {
				return nil, err
			}
			dateStr, err := c.StringOr("date", "")
			if err != nil {
				return nil, err
			}
			var date time.Time
			if dateStr != "" {
				date, err = time.Parse("2006-01-02", dateStr)
				if err != nil {
					return nil, err
				}
			}
			preconfigured, err := c.BoolOr("preconfigured", true)
			if err != nil {
				return nil, err
			}
			yumUpdate, err := c.BoolOr("yum_update", false)
			if err != nil {
				return nil, err
			}
			return h.svc.RequestAppliances(ctx, c.User.Username, sprout.PoolRequest{
				GroupID:         group,
				Count:           int(count),
				LeaseTime:       time.Duration(leaseMinutes) * time.Minute,
				TemplateID:      templateID,
				ProviderToAvoid: avoid,
				Version:         ver,
				Date:            date,
				Preconfigured:   preconfigured,
				YumUpdate:       yumUpdate,
			})
		},
	})

	h.register(&Method{
		Name:        "request_check",
		Description: "Report a pool's fulfillment state and its appliances.",
		ArgNames:    []string{"pool_id"},
		Handler: func(ctx context.Context, c *Call) (any, error) {
			poolID, err := c.Int("pool_id")
			if err != nil {
				return nil, err
			}
			res, err := h.svc.RequestCheck(ctx, poolID)
			if err != nil {
				return nil, err
			}
			appliances := make([]map[string]any, 0, len(res.Appliances))
			for _, a := range res.Appliances {
				appliances = append(appliances, map[string]any{
					"id":              a.ID,
					"ready":           a.Ready,
					"name":            a.Name,
					"ip_address":      a.IPAddress,
					"status":          string(a.Status),
					"power_state":     string(a.PowerState),
					"status_changed":  a.StatusChanged.UTC().Format(time.RFC3339),
					"datetime_leased": isoOrNil(a.DatetimeLeased),
					"leased_until":    isoOrNil(a.LeasedUntil),
				})
			}
			return map[string]any{
				"fulfilled":        res.Fulfilled,
				"percent_finished": res.PercentFinished,
				"queued_tasks":     res.QueuedTasks,
				"appliances":       appliances,
			}, nil
		},
	})

	h.register(&Method{
		Name:        "prolong_appliance_lease",
		Description: "Extend one appliance's lease by minutes from now.",
		ArgNames:    []string{"id", "minutes"},
		NeedsAuth:   true,
		Handler: func(ctx context.Context, c *Call) (any, error) {
			id, err := c.Int("id")
			if err != nil {
				return nil, err
			}
			minutes, err := c.IntOr("minutes", 60)
			if err != nil {
				return nil, err
			}
			return true, h.svc.ProlongApplianceLease(ctx, id, int(minutes))
		},
	})

	h.register(&Method{
		Name:        "prolong_appliance_pool_lease",
		Description: "Extend every appliance lease in a pool by minutes from now.",
		ArgNames:    []string{"id", "minutes"},
		NeedsAuth:   true,
		Handler: func(ctx context.Context, c *Call) (any, error) {
			id, err := c.Int("id")
			if err != nil {
				return nil, err
			}
			minutes, err := c.IntOr("minutes", 60)
			if err != nil {
				return nil, err
			}
			return true, h.svc.ProlongAppliancePoolLease(ctx, id, int(minutes))
		},
	})

	h.register(&Method{
		Name:        "destroy_pool",
		Description: "Flag a pool for teardown; the reaper does the rest.",
		ArgNames:    []string{"id"},
		NeedsAuth:   true,
		Handler: func(ctx context.Context, c *Call) (any, error) {
			id, err := c.Int("id")
			if err != nil {
				return nil, err
			}
			return true, h.svc.DestroyPool(ctx, id)
		},
	})

	h.register(&Method{
		Name:        "pool_exists",
		Description: "Report whether a pool id is present.",
		ArgNames:    []string{"id"},
		Handler: func(ctx context.Context, c *Call) (any, error) {
			id, err := c.Int("id")
			if err != nil {
				return nil, err
			}
			return h.svc.PoolExists(ctx, id)
		},
	})

	h.register(&Method{
		Name:        "get_number_free_appliances",
		Description: "Read a group's preconfigured warm pool target.",
		ArgNames:    []string{"group"},
		Handler: func(ctx context.Context, c *Call) (any, error) {
			group, err := c.String("group")
			if err != nil {
				return nil, err
			}
			return h.svc.GetNumberFreeAppliances(ctx, group)
		},
	})

	h.register(&Method{
		Name:        "set_number_free_appliances",
		Description: "Adjust a group's preconfigured warm pool target.",
		ArgNames:    []string{"group", "n"},
		NeedsAuth:   true,
		Handler: func(ctx context.Context, c *Call) (any, error) {
			group, err := c.String("group")
			if err != nil {
				return nil, err
			}
			n, err := c.Int("n")
			if err != nil {
				return nil, err
			}
			return true, h.svc.SetNumberFreeAppliances(ctx, group, int(n))
		},
	})

	h.register(&Method{
		Name:        "num_shepherd_appliances",
		Description: "Count ready unassigned appliances, optionally per group.",
		ArgNames:    []string{"group"},
		Handler: func(ctx context.Context, c *Call) (any, error) {
			group, err := c.StringOr("group", "")
			if err != nil {
				return nil, err
			}
			return h.svc.NumShepherdAppliances(ctx, group)
		},
	})

	h.register(&Method{
		Name:        "available_cfme_versions",
		Description: "List usable template versions, newest first.",
		Handler: func(ctx context.Context, c *Call) (any, error) {
			return h.svc.AvailableCFMEVersions(ctx)
		},
	})

	h.register(&Method{
		Name:        "available_groups",
		Description: "List registered template groups.",
		Handler: func(ctx context.Context, c *Call) (any, error) {
			return h.svc.AvailableGroups(ctx)
		},
	})

	h.register(&Method{
		Name:        "available_providers",
		Description: "List enabled providers.",
		Handler: func(ctx context.Context, c *Call) (any, error) {
			return h.svc.AvailableProviders(ctx)
		},
	})

	h.register(&Method{
		Name:        "add_provider",
		Description: "Register or update a provider record.",
		ArgNames:    []string{"id", "ip_address", "num_simultaneous_provisioning", "appliance_limit"},
		NeedsAuth:   true,
		Handler: func(ctx context.Context, c *Call) (any, error) {
			id, err := c.String("id")
			if err != nil {
				return nil, err
			}
			ip, err := c.StringOr("ip_address", "")
			if err != nil {
				return nil, err
			}
			slots, err := c.IntOr("num_simultaneous_provisioning", 5)
			if err != nil {
				return nil, err
			}
			limit, err := c.IntOr("appliance_limit", 0)
			if err != nil {
				return nil, err
			}
			return true, h.svc.AddProvider(ctx, &sprout.Provider{
				ID:                          id,
				IPAddress:                   ip,
				NumSimultaneousProvisioning: int(slots),
				NumSimultaneousConfiguring:  1,
				ApplianceLimit:              int(limit),
			})
		},
	})

	h.register(&Method{
		Name:        "destroy_appliance",
		Description: "Tear one appliance down; identifier may be id, ip or name.",
		ArgNames:    []string{"identifier"},
		NeedsAuth:   true,
		Handler: func(ctx context.Context, c *Call) (any, error) {
			ident, err := identifierArg(c)
			if err != nil {
				return nil, err
			}
			return true, h.svc.DestroyAppliance(ctx, ident)
		},
	})

	h.register(&Method{
		Name:        "appliance_power_on",
		Description: "Power an appliance on; identifier may be id, ip or name.",
		ArgNames:    []string{"identifier"},
		NeedsAuth:   true,
		Handler: func(ctx context.Context, c *Call) (any, error) {
			ident, err := identifierArg(c)
			if err != nil {
				return nil, err
			}
			return true, h.svc.AppliancePowerOn(ctx, ident)
		},
	})

	h.register(&Method{
		Name:        "appliance_power_off",
		Description: "Power an appliance off; identifier may be id, ip or name.",
		ArgNames:    []string{"identifier"},
		NeedsAuth:   true,
		Handler: func(ctx context.Context, c *Call) (any, error) {
			ident, err := identifierArg(c)
			if err != nil {
				return nil, err
			}
			return true, h.svc.AppliancePowerOff(ctx, ident)
		},
	})

	h.register(&Method{
		Name:        "appliance_suspend",
		Description: "Suspend an appliance; identifier may be id, ip or name.",
		ArgNames:    []string{"identifier"},
		NeedsAuth:   true,
		Handler: func(ctx context.Context, c *Call) (any, error) {
			ident, err := identifierArg(c)
			if err != nil {
				return nil, err
			}
			return true, h.svc.ApplianceSuspend(ctx, ident)
		},
	})

	h.register(&Method{
		Name:        "power_state",
		Description: "Report an appliance's power state; identifier may be id, ip or name.",
		ArgNames:    []string{"identifier"},
		Handler: func(ctx context.Context, c *Call) (any, error) {
			ident, err := identifierArg(c)
			if err != nil {
				return nil, err
			}
			state, err := h.svc.AppliancePowerState(ctx, ident)
			if err != nil {
				return nil, err
			}
			return string(state), nil
		},
	})

	h.register(&Method{
		Name:        "list_appliances",
		Description: "List the caller's appliances.",
		NeedsAuth:   true,
		Handler: func(ctx context.Context, c *Call) (any, error) {
			appliances, err := h.svc.ListAppliances(ctx, c.User.Username)
			if err != nil {
				return nil, err
			}
			out := make([]map[string]any, 0, len(appliances))
			for _, a := range appliances {
				out = append(out, map[string]any{
					"id":          a.ID,
					"name":        a.Name,
					"ip_address":  a.IPAddress,
					"ready":       a.Ready,
					"status":      string(a.Status),
					"power_state": string(a.PowerState),
					"pool_id":     a.PoolID,
				})
			}
			return out, nil
		},
	})
}

// identifierArg accepts numbers and strings; callers pass appliance ids, IPs
// or names interchangeably.
func identifierArg(c *Call) (string, error) {
	if v, ok := c.arg("identifier"); ok {
		if f, isNum := v.(float64); isNum {
			return strconv.FormatInt(int64(f), 10), nil
		}
	}
	return c.String("identifier")
}
