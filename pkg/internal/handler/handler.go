package handler

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/jdziat/fleet-orchestrator/pkg/core"
)

// Func handles one job whose payload has already been decoded into P.
type Func[P core.Payload] func(ctx context.Context, job *core.Job, payload P) error

// Handler holds a registered job handler.
type Handler struct {
	Type core.JobType
	run  func(ctx context.Context, job *core.Job, payload core.Payload) error
}

// New binds fn to job type t. The payload type P must be the one
// core.DecodePayload produces for t.
func New[P core.Payload](t core.JobType, fn Func[P]) (*Handler, error) {
	if fn == nil {
		return nil, fmt.Errorf("handler function cannot be nil")
	}
	if !t.Valid() {
		return nil, fmt.Errorf("%w: %q", core.ErrUnknownJobType, t)
	}
	return &Handler{
		Type: t,
		run: func(ctx context.Context, job *core.Job, payload core.Payload) error {
			p, ok := payload.(P)
			if !ok {
				return fmt.Errorf("handler for %s expects %T, got %T", t, *new(P), payload)
			}
			return fn(ctx, job, p)
		},
	}, nil
}

// Execute decodes the job payload once and runs the handler.
func (h *Handler) Execute(ctx context.Context, job *core.Job) error {
	if h == nil || h.run == nil {
		return fmt.Errorf("handler function is nil or invalid")
	}
	if job.Type != h.Type {
		return fmt.Errorf("handler for %s cannot run %s job", h.Type, job.Type)
	}
	payload, err := core.DecodePayload(job.Type, job.Payload)
	if err != nil {
		return err
	}
	return h.run(ctx, job, payload)
}

// Registry maps job types to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[core.JobType]*Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[core.JobType]*Handler)}
}

// Register adds h. Registering a type twice is an error.
func (r *Registry) Register(h *Handler) error {
	if h == nil {
		return fmt.Errorf("handler cannot be nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[h.Type]; exists {
		return fmt.Errorf("handler for %s already registered", h.Type)
	}
	r.handlers[h.Type] = h
	return nil
}

// Lookup returns the handler for t.
func (r *Registry) Lookup(t core.JobType) (*Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[t]
	return h, ok
}

// Handled filters types down to those with a registered handler, keeping order.
func (r *Registry) Handled(types []core.JobType) []core.JobType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]core.JobType, 0, len(types))
	for _, t := range types {
		if _, ok := r.handlers[t]; ok && !slices.Contains(out, t) {
			out = append(out, t)
		}
	}
	return out
}
