package bootstrap

import (
	"fmt"
	"sort"
	"sync"
)

// AccountRegistry is the static mapping of environment name to account and
// region. Lookups have no side effects; only the status of a registered
// environment changes after load, and environments are never removed.
type AccountRegistry struct {
	mu   sync.RWMutex
	envs map[string]*Environment
}

// NewAccountRegistry creates a registry holding envs. Every environment starts
// unbootstrapped.
func NewAccountRegistry(envs ...Environment) (*AccountRegistry, error) {
	r := &AccountRegistry{envs: make(map[string]*Environment, len(envs))}
	for _, env := range envs {
		if err := r.register(env); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *AccountRegistry) register(env Environment) error {
	if env.Name == "" {
		return ErrValidation("environment name is required")
	}
	if _, exists := r.envs[env.Name]; exists {
		return ErrValidation(fmt.Sprintf("environment registered twice: %s", env.Name))
	}
	if env.Status == "" {
		env.Status = StatusUnbootstrapped
	}
	e := env
	r.envs[env.Name] = &e
	return nil
}

// Lookup returns a copy of the named environment.
func (r *AccountRegistry) Lookup(name string) (Environment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	env, ok := r.envs[name]
	if !ok {
		return Environment{}, Errorf(KindValidation, "unknown environment %q (known: %v)", name, r.namesLocked())
	}
	return *env, nil
}

// Names returns the registered environment names in sorted order.
func (r *AccountRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.namesLocked()
}

func (r *AccountRegistry) namesLocked() []string {
	names := make([]string, 0, len(r.envs))
	for name := range r.envs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SetStatus records a status transition of an environment.
func (r *AccountRegistry) SetStatus(name string, status EnvironmentStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if env, ok := r.envs[name]; ok {
		env.Status = status
	}
}

// Status returns the current status of an environment.
func (r *AccountRegistry) Status(name string) EnvironmentStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if env, ok := r.envs[name]; ok {
		return env.Status
	}
	return ""
}
