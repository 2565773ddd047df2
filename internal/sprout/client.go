package sprout

import "context"

// TemplateInfo is what a provider backend reports about one of its templates.
type TemplateInfo struct {
	Name string
	// Version is the product version observed on the template itself,
	// which may disagree with the version encoded in the name.
	Version string
}

// Client manages VMs on one provider. Implementations wrap cloud or virt
// SDKs; every method hits the backend. The service treats the client as
// non-transactional and reconciles state by observation.
type Client interface {
	// Deploy instantiates a VM from the template and returns its name.
	Deploy(ctx context.Context, template string, vmName string) error
	Destroy(ctx context.Context, vmName string) error
	PowerOn(ctx context.Context, vmName string) error
	PowerOff(ctx context.Context, vmName string) error
	Suspend(ctx context.Context, vmName string) error
	VMExists(ctx context.Context, vmName string) (bool, error)
	CurrentPowerState(ctx context.Context, vmName string) (PowerState, error)
	VMIP(ctx context.Context, vmName string) (string, error)
	ListTemplates(ctx context.Context) ([]TemplateInfo, error)
	DeleteTemplate(ctx context.Context, name string) error
}

// Registry resolves clients by provider id.
type Registry interface {
	ClientFor(providerID string) (Client, bool)
}

// StaticRegistry is a fixed provider-to-client map.
type StaticRegistry map[string]Client

func (r StaticRegistry) ClientFor(providerID string) (Client, bool) {
	c, ok := r[providerID]
	return c, ok
}
