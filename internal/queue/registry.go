package queue

import (
	"fmt"
	"sync"
)

// Handler executes one step of a job. Run is re-invoked after a crash until
// the step is marked completed, so handlers must be idempotent per step: the
// step-state bag is the checkpoint.
type Handler interface {
	Type() string
	Run(jc *JobContext) error
}

// HandlerFunc adapts a plain function into a Handler.
type HandlerFunc struct {
	JobType string
	Fn      func(jc *JobContext) error
}

func (h HandlerFunc) Type() string             { return h.JobType }
func (h HandlerFunc) Run(jc *JobContext) error { return h.Fn(jc) }

// Registry maps job types to handlers. Workers read it on every claim;
// registration happens at startup before the worker loop starts.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

func (r *Registry) Register(h Handler) error {
	if h == nil {
		return fmt.Errorf("nil handler")
	}
	t := h.Type()
	if t == "" {
		return fmt.Errorf("handler Type() is empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[t]; exists {
		return fmt.Errorf("handler already registered for job_type=%s", t)
	}
	r.handlers[t] = h
	return nil
}

func (r *Registry) Get(jobType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[jobType]
	return h, ok
}

func (r *Registry) Has(jobType string) bool {
	_, ok := r.Get(jobType)
	return ok
}
