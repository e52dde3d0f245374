// Package registry maps queue names to job handlers. A Registry is built once
// at startup from static handler sets and is read-only afterwards, so workers
// share it without locking.
package registry

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/cuongbtq/jobworker/internal/worker/domain"
)

// DefaultNameTemplate renders "<app>.<job>" subscription keys.
const DefaultNameTemplate = "{app}.{job}"

// Handler executes one job. Returning an error (or panicking) marks the run failed.
type Handler func(ctx context.Context, payload []byte) error

// Job is a named handler inside a HandlerSet
type Job struct {
	Name    string
	Handler Handler
}

// HandlerSet is a collection of jobs exported by one owning unit
type HandlerSet struct {
	App  string
	Jobs []Job
}

// Registry is an immutable name -> handler mapping
type Registry struct {
	handlers map[string]Handler
	names    []string
}

// Build registers every job of every set under the key produced by template.
// It fails fast when there is nothing to serve or when two jobs collide.
func Build(sets []HandlerSet, template string) (*Registry, error) {
	if len(sets) == 0 {
		return nil, domain.ErrNoHandlerSets
	}
	if template == "" {
		template = DefaultNameTemplate
	}
	if !strings.Contains(template, "{job}") {
		return nil, fmt.Errorf("job name template %q must contain {job}", template)
	}

	r := &Registry{handlers: make(map[string]Handler)}
	for _, set := range sets {
		for _, job := range set.Jobs {
			if job.Handler == nil {
				return nil, fmt.Errorf("job %s.%s has no handler", set.App, job.Name)
			}
			name := FormatName(template, set.App, job.Name)
			if _, exists := r.handlers[name]; exists {
				return nil, fmt.Errorf("duplicate job name %q", name)
			}
			r.handlers[name] = job.Handler
			r.names = append(r.names, name)
		}
	}

	if len(r.handlers) == 0 {
		return nil, domain.ErrNoHandlers
	}

	sort.Strings(r.names)
	return r, nil
}

// FormatName substitutes {app} and {job} in template.
func FormatName(template, app, job string) string {
	return strings.NewReplacer("{app}", app, "{job}", job).Replace(template)
}

// Lookup returns the handler registered under name.
func (r *Registry) Lookup(name string) (Handler, bool) {
	h, ok := r.handlers[name]
	return h, ok
}

// Names returns the sorted subscription keys.
func (r *Registry) Names() []string {
	out := make([]string, len(r.names))
	copy(out, r.names)
	return out
}

// Len returns the number of registered jobs.
func (r *Registry) Len() int {
	return len(r.handlers)
}
