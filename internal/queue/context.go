package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"gorm.io/datatypes"

	jobsrepo "github.com/vidforge/vidforge-backend/internal/data/repos/jobs"
	types "github.com/vidforge/vidforge-backend/internal/domain"
	"github.com/vidforge/vidforge-backend/internal/events"
	"github.com/vidforge/vidforge-backend/internal/platform/dbctx"
)

// ErrLeaseLost aborts a run whose lease was taken away mid-step: the job was
// cancelled, timed out, or requeued by the stall sweeper. Whatever this
// worker was doing is void; the next holder resumes from the bag.
var ErrLeaseLost = errors.New("job lease lost")

// JobContext is the execution handle passed to a handler for one step of one
// job. It is the only sanctioned way for business code to touch job state:
// the step-state bag for checkpoints, SetOutput for the step result, and
// Emit for domain events. Handlers never write the job row directly.
type JobContext struct {
	Ctx context.Context
	Job *types.Job

	step     string
	workerID string
	repo     jobsrepo.JobRepo
	bus      *events.Bus

	bag     map[string]json.RawMessage
	payload map[string]any
	output  map[string]any
}

func newJobContext(ctx context.Context, job *types.Job, step string, workerID string, repo jobsrepo.JobRepo, bus *events.Bus) (*JobContext, error) {
	jc := &JobContext{
		Ctx:      ctx,
		Job:      job,
		step:     step,
		workerID: workerID,
		repo:     repo,
		bus:      bus,
		bag:      map[string]json.RawMessage{},
	}
	if len(job.StepState) > 0 && string(job.StepState) != "null" {
		if err := json.Unmarshal(job.StepState, &jc.bag); err != nil {
			return nil, fmt.Errorf("decode step state: %w", err)
		}
	}
	if len(job.Payload) > 0 && string(job.Payload) != "null" {
		// Payload decode failure is not fatal: the core treats payloads as
		// opaque and handlers validate their own inputs.
		_ = json.Unmarshal(job.Payload, &jc.payload)
	}
	return jc, nil
}

// Step returns the name of the step currently executing.
func (jc *JobContext) Step() string { return jc.step }

// Payload returns the decoded payload map, never nil.
func (jc *JobContext) Payload() map[string]any {
	if jc.payload == nil {
		jc.payload = map[string]any{}
	}
	return jc.payload
}

// RawPayload returns the payload bytes exactly as ingested.
func (jc *JobContext) RawPayload() []byte {
	if jc.Job == nil {
		return nil
	}
	return []byte(jc.Job.Payload)
}

// State reads one checkpoint value from the step-state bag.
func (jc *JobContext) State(key string) (json.RawMessage, bool) {
	v, ok := jc.bag[key]
	return v, ok
}

// StateString is State decoded as a string; missing or mistyped reads as "".
func (jc *JobContext) StateString(key string) string {
	raw, ok := jc.bag[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

// StateInt is State decoded as an int64; missing or mistyped reads as 0.
func (jc *JobContext) StateInt(key string) int64 {
	raw, ok := jc.bag[key]
	if !ok {
		return 0
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0
	}
	return n
}

// SetState writes one checkpoint value and persists the bag immediately, so
// a crash right after the write still finds the sentinel on resume. Returns
// ErrLeaseLost when the job is no longer this worker's to write.
func (jc *JobContext) SetState(key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode state %q: %w", key, err)
	}
	jc.bag[key] = raw
	return jc.persistBag()
}

// DeleteState removes one checkpoint value and persists the bag.
func (jc *JobContext) DeleteState(key string) error {
	if _, ok := jc.bag[key]; !ok {
		return nil
	}
	delete(jc.bag, key)
	return jc.persistBag()
}

func (jc *JobContext) persistBag() error {
	raw, err := json.Marshal(jc.bag)
	if err != nil {
		return fmt.Errorf("encode step state: %w", err)
	}
	encoded := datatypes.JSON(raw)
	ok, err := jc.repo.UpdateProcessing(dbctx.Context{Ctx: jc.Ctx}, jc.Job.ID, jc.workerID, map[string]interface{}{
		"step_state": encoded,
	})
	if err != nil {
		return fmt.Errorf("persist step state: %w", err)
	}
	if !ok {
		return ErrLeaseLost
	}
	jc.Job.StepState = encoded
	return nil
}

// SetOutput records the step's result, stored on the step entry when the
// step completes. Later calls within the same step overwrite earlier ones.
func (jc *JobContext) SetOutput(out map[string]any) {
	jc.output = out
}

// Emit publishes a domain event through the process bus. The webhook
// dispatcher fans it out to the owner's subscriptions.
func (jc *JobContext) Emit(e events.Event) {
	if jc.bus == nil || e == nil {
		return
	}
	jc.bus.Emit(jc.Ctx, e)
}

func (jc *JobContext) encodedBag() (datatypes.JSON, error) {
	raw, err := json.Marshal(jc.bag)
	if err != nil {
		return nil, fmt.Errorf("encode step state: %w", err)
	}
	return datatypes.JSON(raw), nil
}
