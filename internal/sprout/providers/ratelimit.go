package providers

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/xkilldash9x/harbormaster/internal/sprout"
)

// RateLimited wraps a client so every backend call waits on a shared token
// bucket. Provider APIs throttle aggressively; one limiter per provider
// keeps the control loops from tripping that.
type RateLimited struct {
	inner   sprout.Client
	limiter *rate.Limiter
}

var _ sprout.Client = (*RateLimited)(nil)

// RateLimit wraps client at r calls per second with the given burst.
func RateLimit(client sprout.Client, r float64, burst int) *RateLimited {
	return &RateLimited{inner: client, limiter: rate.NewLimiter(rate.Limit(r), burst)}
}

func (c *RateLimited) Deploy(ctx context.Context, template, vmName string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	return c.inner.Deploy(ctx, template, vmName)
}

func (c *RateLimited) Destroy(ctx context.Context, vmName string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	return c.inner.Destroy(ctx, vmName)
}

func (c *RateLimited) PowerOn(ctx context.Context, vmName string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	return c.inner.PowerOn(ctx, vmName)
}

func (c *RateLimited) PowerOff(ctx context.Context, vmName string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	return c.inner.PowerOff(ctx, vmName)
}

func (c *RateLimited) Suspend(ctx context.Context, vmName string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	return c.inner.Suspend(ctx, vmName)
}

func (c *RateLimited) VMExists(ctx context.Context, vmName string) (bool, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return false, err
	}
	return c.inner.VMExists(ctx, vmName)
}

func (c *RateLimited) CurrentPowerState(ctx context.Context, vmName string) (sprout.PowerState, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return sprout.PowerUnknown, err
	}
	return c.inner.CurrentPowerState(ctx, vmName)
}

func (c *RateLimited) VMIP(ctx context.Context, vmName string) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}
	return c.inner.VMIP(ctx, vmName)
}

func (c *RateLimited) ListTemplates(ctx context.Context) ([]sprout.TemplateInfo, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return c.inner.ListTemplates(ctx)
}

func (c *RateLimited) DeleteTemplate(ctx context.Context, name string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	return c.inner.DeleteTemplate(ctx, name)
}
