package hardware

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Driver describes one hardware-type bundle: which implementation names are
// allowed per interface type and which one is the default when a node does
// not select explicitly.
type Driver struct {
	Name      string
	Defaults  map[InterfaceType]string
	Supported map[InterfaceType][]string
}

// Registry resolves (driver, interface type, implementation name) to a
// concrete implementation. Registration happens once at process start; all
// later access is read-only.
type Registry struct {
	mu      sync.RWMutex
	impls   map[InterfaceType]map[string]any
	drivers map[string]Driver
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		impls:   make(map[InterfaceType]map[string]any),
		drivers: make(map[string]Driver),
	}
}

// Register binds an implementation under (ifaceType, name). The value must
// satisfy the contract for its interface type.
func (r *Registry) Register(ifaceType InterfaceType, name string, impl any) error {
	if name == "" {
		return errors.New("implementation name is required")
	}
	if impl == nil {
		return errors.New("nil implementation")
	}

	ok := false
	switch ifaceType {
	case Power:
		_, ok = impl.(PowerInterface)
	case Boot:
		_, ok = impl.(BootInterface)
	case Deploy:
		_, ok = impl.(DeployInterface)
	case Inspect:
		_, ok = impl.(InspectInterface)
	case Management:
		_, ok = impl.(ManagementInterface)
	case Rescue:
		_, ok = impl.(RescueInterface)
	default:
		return fmt.Errorf("interface type %q has no bound contract", ifaceType)
	}
	if !ok {
		return fmt.Errorf("%T does not satisfy the %s contract", impl, ifaceType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	byName := r.impls[ifaceType]
	if byName == nil {
		byName = make(map[string]any)
		r.impls[ifaceType] = byName
	}
	if _, exists := byName[name]; exists {
		return fmt.Errorf("%s implementation %q already registered", ifaceType, name)
	}
	byName[name] = impl
	return nil
}

// RegisterDriver declares a driver bundle. Every default and supported name
// must already be registered for its interface type.
func (r *Registry) RegisterDriver(d Driver) error {
	if d.Name == "" {
		return errors.New("driver name is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.drivers[d.Name]; exists {
		return fmt.Errorf("driver %q already registered", d.Name)
	}
	for ifaceType, names := range d.Supported {
		for _, name := range names {
			if _, ok := r.impls[ifaceType][name]; !ok {
				return fmt.Errorf("driver %q: unknown %s implementation %q", d.Name, ifaceType, name)
			}
		}
	}
	for ifaceType, name := range d.Defaults {
		if !contains(d.Supported[ifaceType], name) {
			return fmt.Errorf("driver %q: default %s implementation %q is not in its supported set", d.Name, ifaceType, name)
		}
	}

	r.drivers[d.Name] = d
	return nil
}

// Drivers lists registered driver names, sorted.
func (r *Registry) Drivers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.drivers))
	for name := range r.drivers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// HasDriver reports whether the driver bundle is registered.
func (r *Registry) HasDriver(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.drivers[name]
	return ok
}

// DefaultInterfaces returns the interface selection a node gets when it does
// not choose explicitly at enrollment.
func (r *Registry) DefaultInterfaces(driver string) (map[string]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.drivers[driver]
	if !ok {
		return nil, fmt.Errorf("unknown driver %q", driver)
	}
	out := make(map[string]string, len(d.Defaults))
	for ifaceType, name := range d.Defaults {
		out[string(ifaceType)] = name
	}
	return out, nil
}

// Bound is the concrete interface set resolved for one node. Interface
// types the driver does not bind are nil.
type Bound struct {
	Driver     string
	Power      PowerInterface
	Boot       BootInterface
	Deploy     DeployInterface
	Inspect    InspectInterface
	Management ManagementInterface
	Rescue     RescueInterface
}

// Resolve maps a node's driver and interface selection to concrete
// implementations. Selections are validated against the driver's supported
// sets; missing selections fall back to the driver defaults.
func (r *Registry) Resolve(driver string, interfaces map[string]string) (*Bound, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.drivers[driver]
	if !ok {
		return nil, fmt.Errorf("unknown driver %q", driver)
	}

	for ifaceName := range interfaces {
		ifaceType := InterfaceType(ifaceName)
		if _, hasContract := r.impls[ifaceType]; !hasContract {
			if _, declared := d.Supported[ifaceType]; !declared {
				return nil, fmt.Errorf("driver %q does not support interface type %q", driver, ifaceName)
			}
		}
	}

	bound := &Bound{Driver: driver}
	for _, ifaceType := range ContractTypes() {
		name := interfaces[string(ifaceType)]
		if name == "" {
			name = d.Defaults[ifaceType]
		}
		if name == "" {
			continue
		}
		if !contains(d.Supported[ifaceType], name) {
			return nil, fmt.Errorf("driver %q does not support %s implementation %q", driver, ifaceType, name)
		}
		impl := r.impls[ifaceType][name]
		switch ifaceType {
		case Power:
			bound.Power = impl.(PowerInterface)
		case Boot:
			bound.Boot = impl.(BootInterface)
		case Deploy:
			bound.Deploy = impl.(DeployInterface)
		case Inspect:
			bound.Inspect = impl.(InspectInterface)
		case Management:
			bound.Management = impl.(ManagementInterface)
		case Rescue:
			bound.Rescue = impl.(RescueInterface)
		}
	}

	return bound, nil
}

func contains(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
