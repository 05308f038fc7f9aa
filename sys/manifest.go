package sys

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

// DefaultServiceTimeout bounds lifecycle requests of manifests without
// a timeout.
const DefaultServiceTimeout = 5 * time.Second

// Manifest declares how the manager starts a service.
type Manifest struct {
	Name         string        `yaml:"name"`
	Dependencies []string      `yaml:"dependencies"`
	Priority     int           `yaml:"priority"`
	Timeout      time.Duration `yaml:"timeout"`
	MailboxSize  int           `yaml:"mailbox_size"`
}

func (m Manifest) timeout() time.Duration {
	if m.Timeout > 0 {
		return m.Timeout
	}
	return DefaultServiceTimeout
}

// ServiceDefinition pairs a manifest with the factory that builds the
// service. The factory's service must carry the manifest name.
type ServiceDefinition struct {
	Manifest Manifest
	Factory  func() *Service
}

// ManifestOverride changes a manifest from configuration. Nil fields
// keep the built-in value.
type ManifestOverride struct {
	Disabled     bool           `yaml:"disabled"`
	Dependencies []string       `yaml:"dependencies"`
	Priority     *int           `yaml:"priority"`
	Timeout      *time.Duration `yaml:"timeout"`
	MailboxSize  *int           `yaml:"mailbox_size"`
}

// ApplyOverrides returns defs with overrides applied and disabled
// services removed.
func ApplyOverrides(defs []ServiceDefinition, overrides map[string]ManifestOverride) []ServiceDefinition {
	out := make([]ServiceDefinition, 0, len(defs))
	for _, def := range defs {
		o, ok := overrides[def.Manifest.Name]
		if !ok {
			out = append(out, def)
			continue
		}
		if o.Disabled {
			continue
		}
		if o.Dependencies != nil {
			def.Manifest.Dependencies = slices.Clone(o.Dependencies)
		}
		if o.Priority != nil {
			def.Manifest.Priority = *o.Priority
		}
		if o.Timeout != nil {
			def.Manifest.Timeout = *o.Timeout
		}
		if o.MailboxSize != nil {
			def.Manifest.MailboxSize = *o.MailboxSize
		}
		out = append(out, def)
	}
	return out
}

// ResolveOrder sorts defs so every service comes after its dependencies.
// Among services whose dependencies are met the higher priority goes
// first, then declaration order. Dependencies in running count as met.
func ResolveOrder(defs []ServiceDefinition, running func(string) bool) ([]ServiceDefinition, error) {
	index := make(map[string]int, len(defs))
	var errs []error
	for i, def := range defs {
		if _, dup := index[def.Manifest.Name]; dup {
			errs = append(errs, fmt.Errorf("%w: %s", ErrDuplicateService, def.Manifest.Name))
			continue
		}
		index[def.Manifest.Name] = i
	}

	indegree := make([]int, len(defs))
	dependents := make(map[string][]int)
	for i, def := range defs {
		for _, dep := range def.Manifest.Dependencies {
			if _, ok := index[dep]; ok {
				indegree[i]++
				dependents[dep] = append(dependents[dep], i)
				continue
			}
			if running == nil || !running(dep) {
				errs = append(errs, fmt.Errorf("%w: %s needs %s", ErrMissingDependency, def.Manifest.Name, dep))
			}
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	var ready []int
	for i := range defs {
		if indegree[i] == 0 {
			ready = append(ready, i)
		}
	}
	order := make([]ServiceDefinition, 0, len(defs))
	for len(ready) > 0 {
		slices.SortFunc(ready, func(a, b int) int {
			if c := cmp.Compare(defs[b].Manifest.Priority, defs[a].Manifest.Priority); c != 0 {
				return c
			}
			return cmp.Compare(a, b)
		})
		next := ready[0]
		ready = ready[1:]
		order = append(order, defs[next])
		for _, d := range dependents[defs[next].Manifest.Name] {
			indegree[d]--
			if indegree[d] == 0 {
				ready = append(ready, d)
			}
		}
	}

	if len(order) < len(defs) {
		var stuck []string
		for i, def := range defs {
			if indegree[i] > 0 {
				stuck = append(stuck, def.Manifest.Name)
			}
		}
		return nil, fmt.Errorf("%w: %s", ErrDependencyCycle, strings.Join(stuck, ", "))
	}
	return order, nil
}
