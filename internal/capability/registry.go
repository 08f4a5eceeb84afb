package capability

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/basaltfleet/basalt/internal/models"
	"github.com/basaltfleet/basalt/internal/periodic"
)

// ErrDuplicateVariant is returned when a driver variant name is registered
// twice.
var ErrDuplicateVariant = errors.New("duplicate driver variant")

// TakeOverFunc runs when a conductor newly owns a node. It must be
// idempotent; it may inspect and resume in-progress hardware state.
type TakeOverFunc func(ctx context.Context, node *models.Node) error

// CleanUpFunc runs when a conductor loses ownership of a node: stop locally
// scheduled work for the node and release local caches.
type CleanUpFunc func(ctx context.Context, node *models.Node) error

// Variant is a driver variant's static declaration: its capability set, its
// ownership transition hooks, and any recurring maintenance tasks.
type Variant struct {
	Name         string
	Capabilities map[Name]any

	TakeOver TakeOverFunc
	CleanUp  CleanUpFunc

	// PeriodicTasks are registered with the conductor's scheduler at
	// startup. Names must be unique within the variant.
	PeriodicTasks []periodic.Descriptor
}

// Has reports whether the variant declares capability n.
func (v *Variant) Has(n Name) bool {
	_, ok := v.Capabilities[n]
	return ok
}

// Power returns the power capability if declared.
func (v *Variant) Power() (PowerInterface, bool) {
	p, ok := v.Capabilities[Power].(PowerInterface)
	return p, ok
}

// Deploy returns the deploy capability if declared.
func (v *Variant) Deploy() (DeployInterface, bool) {
	d, ok := v.Capabilities[Deploy].(DeployInterface)
	return d, ok
}

// Management returns the management capability if declared.
func (v *Variant) Management() (ManagementInterface, bool) {
	m, ok := v.Capabilities[Management].(ManagementInterface)
	return m, ok
}

// Console returns the console capability if declared.
func (v *Variant) Console() (ConsoleInterface, bool) {
	c, ok := v.Capabilities[Console].(ConsoleInterface)
	return c, ok
}

// Boot returns the boot capability if declared.
func (v *Variant) Boot() (BootInterface, bool) {
	b, ok := v.Capabilities[Boot].(BootInterface)
	return b, ok
}

// Inspector returns the inspect capability if declared.
func (v *Variant) Inspector() (InspectInterface, bool) {
	i, ok := v.Capabilities[Inspect].(InspectInterface)
	return i, ok
}

// RAIDConfig returns the raid capability if declared.
func (v *Variant) RAIDConfig() (RAIDInterface, bool) {
	r, ok := v.Capabilities[RAID].(RAIDInterface)
	return r, ok
}

// VendorPassthru returns the vendor capability if declared.
func (v *Variant) VendorPassthru() (VendorInterface, bool) {
	p, ok := v.Capabilities[Vendor].(VendorInterface)
	return p, ok
}

// validate checks each declared capability value against its interface.
func (v *Variant) validate() error {
	if v.Name == "" {
		return errors.New("driver variant has no name")
	}
	for name, impl := range v.Capabilities {
		var ok bool
		switch name {
		case Power:
			_, ok = impl.(PowerInterface)
		case Deploy:
			_, ok = impl.(DeployInterface)
		case Management:
			_, ok = impl.(ManagementInterface)
		case Console:
			_, ok = impl.(ConsoleInterface)
		case Boot:
			_, ok = impl.(BootInterface)
		case Inspect:
			_, ok = impl.(InspectInterface)
		case RAID:
			_, ok = impl.(RAIDInterface)
		case Vendor:
			_, ok = impl.(VendorInterface)
		default:
			return fmt.Errorf("variant %q declares unknown capability %q", v.Name, name)
		}
		if !ok {
			return fmt.Errorf("variant %q capability %q does not implement its interface", v.Name, name)
		}
	}
	return nil
}

// Registry is the static table of driver variants a conductor supports.
type Registry struct {
	variants map[string]*Variant
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{variants: make(map[string]*Variant)}
}

// Register adds a variant, validating its capability declarations.
func (r *Registry) Register(v *Variant) error {
	if err := v.validate(); err != nil {
		return err
	}
	if _, exists := r.variants[v.Name]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateVariant, v.Name)
	}
	r.variants[v.Name] = v
	return nil
}

// Variant returns the named driver variant.
func (r *Registry) Variant(name string) (*Variant, bool) {
	v, ok := r.variants[name]
	return v, ok
}

// Names returns the registered variant names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.variants))
	for name := range r.variants {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
