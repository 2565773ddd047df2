package providers

import (
	"context"
	"fmt"
	"sync"

	"github.com/xkilldash9x/harbormaster/internal/sprout"
)

// FakeVM is the fake backend's record of one VM.
type FakeVM struct {
	Name       string
	Template   string
	PowerState sprout.PowerState
	IP         string
}

// Fake is an in-memory provider backend for tests and local runs. Deployed
// VMs get sequential IPs and power on immediately.
type Fake struct {
	mu        sync.Mutex
	vms       map[string]*FakeVM
	templates []sprout.TemplateInfo
	ipSeq     int

	// FailDeploy makes every Deploy call fail, for error path tests.
	FailDeploy error
}

var _ sprout.Client = (*Fake)(nil)

func init() {
	RegisterDriver("fake", func(context.Context, *sprout.Provider) (sprout.Client, error) {
		return NewFake(), nil
	})
}

// NewFake creates a fake provider with no templates.
func NewFake() *Fake {
	return &Fake{vms: make(map[string]*FakeVM)}
}

// AddTemplate makes a template visible to ListTemplates.
func (f *Fake) AddTemplate(name, version string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.templates = append(f.templates, sprout.TemplateInfo{Name: name, Version: version})
}

// VM returns the backend record for inspection, nil when absent.
func (f *Fake) VM(name string) *FakeVM {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.vms[name]
}

func (f *Fake) Deploy(_ context.Context, template, vmName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailDeploy != nil {
		return f.FailDeploy
	}
	f.ipSeq++
	f.vms[vmName] = &FakeVM{
		Name:       vmName,
		Template:   template,
		PowerState: sprout.PowerOn,
		IP:         fmt.Sprintf("10.0.0.%d", f.ipSeq),
	}
	return nil
}

func (f *Fake) Destroy(_ context.Context, vmName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.vms, vmName)
	return nil
}

func (f *Fake) setPower(vmName string, state sprout.PowerState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	vm, ok := f.vms[vmName]
	if !ok {
		return fmt.Errorf("vm %s does not exist", vmName)
	}
	vm.PowerState = state
	return nil
}

func (f *Fake) PowerOn(_ context.Context, vmName string) error {
	return f.setPower(vmName, sprout.PowerOn)
}

func (f *Fake) PowerOff(_ context.Context, vmName string) error {
	return f.setPower(vmName, sprout.PowerOff)
}

func (f *Fake) Suspend(_ context.Context, vmName string) error {
	return f.setPower(vmName, sprout.PowerSuspended)
}

func (f *Fake) VMExists(_ context.Context, vmName string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.vms[vmName]
	return ok, nil
}

func (f *Fake) CurrentPowerState(_ context.Context, vmName string) (sprout.PowerState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	vm, ok := f.vms[vmName]
	if !ok {
		return sprout.PowerUnknown, nil
	}
	return vm.PowerState, nil
}

func (f *Fake) VMIP(_ context.Context, vmName string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	vm, ok := f.vms[vmName]
	if !ok {
		return "", fmt.Errorf("vm %s does not exist", vmName)
	}
	return vm.IP, nil
}

func (f *Fake) ListTemplates(context.Context) ([]sprout.TemplateInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sprout.TemplateInfo(nil), f.templates...), nil
}

func (f *Fake) DeleteTemplate(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.templates[:0]
	for _, t := range f.templates {
		if t.Name != name {
			kept = append(kept, t)
		}
	}
	f.templates = kept
	return nil
}
