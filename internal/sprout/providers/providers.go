// Package providers implements the sprout.Client contract for infrastructure
// backends and resolves backend drivers by name.
package providers

import (
	"context"
	"fmt"

	"github.com/xkilldash9x/harbormaster/internal/sprout"
)

// DriverFunc dials one backend from its provider record.
type DriverFunc func(ctx context.Context, p *sprout.Provider) (sprout.Client, error)

var drivers = map[string]DriverFunc{}

// RegisterDriver makes a backend driver available under a name. Provider
// rows select theirs through the "driver" metadata key.
func RegisterDriver(name string, fn DriverFunc) {
	if _, dup := drivers[name]; dup {
		panic(fmt.Sprintf("provider driver %q registered twice", name))
	}
	drivers[name] = fn
}

// Connect dials the provider with its configured driver.
func Connect(ctx context.Context, p *sprout.Provider) (sprout.Client, error) {
	name, _ := p.Metadata["driver"].(string)
	if name == "" {
		return nil, fmt.Errorf("provider %s has no driver configured", p.ID)
	}
	fn, ok := drivers[name]
	if !ok {
		return nil, fmt.Errorf("provider %s wants unknown driver %q", p.ID, name)
	}
	return fn(ctx, p)
}
