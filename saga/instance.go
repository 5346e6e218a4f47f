package saga

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a transaction instance.
type Status string

const (
	StatusCreated      Status = "CREATED"
	StatusRunning      Status = "RUNNING"
	StatusCompensating Status = "COMPENSATING"
	StatusCompleted    Status = "COMPLETED"
	StatusFailed       Status = "FAILED"
	StatusCompensated  Status = "COMPENSATED"
)

// Terminal reports whether no further transition is reachable.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCompensated:
		return true
	default:
		return false
	}
}

// Compensation is one entry of the per-instance compensation stack: the
// step to undo plus the parameters its compensating request needs.
type Compensation struct {
	Step   Step              `json:"step"`
	Params map[string]string `json:"params,omitempty"`
}

// Instance is the authoritative record of one transaction. It is mutated
// only through Apply, which keeps every transition a pure function of the
// previous state and the incoming event.
type Instance struct {
	ID             string            `json:"id"`
	Status         Status            `json:"status"`
	CurrentStep    *Step             `json:"currentStep,omitempty"`
	CompletedSteps []Step            `json:"completedSteps"`
	Compensations  []Compensation    `json:"compensations"`
	FailureReason  string            `json:"failureReason,omitempty"`
	Params         map[string]string `json:"params,omitempty"`
	StartTime      time.Time         `json:"startTime"`
	EndTime        *time.Time        `json:"endTime,omitempty"`
	Version        int64             `json:"version"`
}

// NewInstance creates a Created instance. The caller supplies the clock
// reading so construction stays deterministic.
func NewInstance(id string, params map[string]string, now time.Time) *Instance {
	return &Instance{
		ID:             id,
		Status:         StatusCreated,
		CompletedSteps: []Step{},
		Compensations:  []Compensation{},
		Params:         params,
		StartTime:      now,
		Version:        1,
	}
}

// HasCompleted reports whether the step already succeeded.
func (in *Instance) HasCompleted(step Step) bool {
	for _, s := range in.CompletedSteps {
		if s == step {
			return true
		}
	}
	return false
}

// Awaiting reports whether the instance is running and waiting on step.
func (in *Instance) Awaiting(step Step) bool {
	return in.Status == StatusRunning && in.CurrentStep != nil && *in.CurrentStep == step
}

// Snapshot is the read-only view returned by queries.
type Snapshot struct {
	ID             string            `json:"id"`
	Status         Status            `json:"status"`
	CurrentStep    string            `json:"currentStep,omitempty"`
	CompletedSteps []string          `json:"completedSteps"`
	FailureReason  string            `json:"failureReason,omitempty"`
	Params         map[string]string `json:"params,omitempty"`
	StartTime      time.Time         `json:"startTime"`
	EndTime        *time.Time        `json:"endTime,omitempty"`
}

// Snapshot returns a copy safe to hand outside the owning goroutine.
func (in *Instance) Snapshot() Snapshot {
	snap := Snapshot{
		ID:             in.ID,
		Status:         in.Status,
		CompletedSteps: make([]string, 0, len(in.CompletedSteps)),
		FailureReason:  in.FailureReason,
		StartTime:      in.StartTime,
	}
	if in.CurrentStep != nil {
		snap.CurrentStep = in.CurrentStep.String()
	}
	for _, s := range in.CompletedSteps {
		snap.CompletedSteps = append(snap.CompletedSteps, s.String())
	}
	if len(in.Params) > 0 {
		snap.Params = make(map[string]string, len(in.Params))
		for k, v := range in.Params {
			snap.Params[k] = v
		}
	}
	if in.EndTime != nil {
		t := *in.EndTime
		snap.EndTime = &t
	}
	return snap
}

// clone returns a deep copy so Apply never aliases the input's slices.
func (in *Instance) clone() *Instance {
	out := *in
	out.CompletedSteps = append([]Step(nil), in.CompletedSteps...)
	out.Compensations = append([]Compensation(nil), in.Compensations...)
	if in.CurrentStep != nil {
		step := *in.CurrentStep
		out.CurrentStep = &step
	}
	if in.EndTime != nil {
		t := *in.EndTime
		out.EndTime = &t
	}
	return &out
}

// Event is one input to the transition function. Every event carries the
// timestamp it was observed at; Apply itself never reads the clock.
type Event interface {
	eventName() string
}

// Started moves a Created instance to Running on its first step.
type Started struct {
	At time.Time
}

// StepSucceeded records a successful step and its compensation entry.
type StepSucceeded struct {
	Step   Step
	Params map[string]string
	At     time.Time
}

// StepFailed records a business failure, timeout, or exhausted dispatch
// for the step currently awaited.
type StepFailed struct {
	Step   Step
	Reason string
	At     time.Time
}

// CompensationSettled pops the top of the compensation stack after its
// dispatch either succeeded or exhausted retries.
type CompensationSettled struct {
	Step Step
	Err  string
	At   time.Time
}

// UnwindFinished closes out compensation once the stack is empty.
type UnwindFinished struct {
	At time.Time
}

// InternalFailed routes the instance straight to Failed when its state
// can no longer be trusted.
type InternalFailed struct {
	Reason string
	At     time.Time
}

func (Started) eventName() string             { return "started" }
func (StepSucceeded) eventName() string       { return "step_succeeded" }
func (StepFailed) eventName() string          { return "step_failed" }
func (CompensationSettled) eventName() string { return "compensation_settled" }
func (UnwindFinished) eventName() string      { return "unwind_finished" }
func (InternalFailed) eventName() string      { return "internal_failed" }

// Apply computes the successor state for (in, ev). It returns a new
// instance and never mutates the input. Events that are not legal in the
// current status return an error and leave the caller's state untouched.
func Apply(in *Instance, ev Event) (*Instance, error) {
	if in.Status.Terminal() {
		return nil, fmt.Errorf("instance %s is terminal (%s), cannot apply %s", in.ID, in.Status, ev.eventName())
	}

	out := in.clone()
	out.Version++

	switch e := ev.(type) {
	case Started:
		if in.Status != StatusCreated {
			return nil, transitionError(in, ev)
		}
		first := FirstStep()
		out.Status = StatusRunning
		out.CurrentStep = &first
		return out, nil

	case StepSucceeded:
		if !in.Awaiting(e.Step) {
			return nil, transitionError(in, ev)
		}
		out.CompletedSteps = append(out.CompletedSteps, e.Step)
		out.Compensations = append(out.Compensations, Compensation{Step: e.Step, Params: e.Params})
		if next, ok := e.Step.Next(); ok {
			out.CurrentStep = &next
			return out, nil
		}
		// No unwind can ever be needed again; retire the ledger.
		out.Status = StatusCompleted
		out.CurrentStep = nil
		out.Compensations = []Compensation{}
		at := e.At
		out.EndTime = &at
		return out, nil

	case StepFailed:
		if !in.Awaiting(e.Step) {
			return nil, transitionError(in, ev)
		}
		out.Status = StatusCompensating
		out.CurrentStep = nil
		if out.FailureReason == "" {
			out.FailureReason = e.Reason
		}
		return out, nil

	case CompensationSettled:
		if in.Status != StatusCompensating || len(in.Compensations) == 0 {
			return nil, transitionError(in, ev)
		}
		top := in.Compensations[len(in.Compensations)-1]
		if top.Step != e.Step {
			return nil, fmt.Errorf("instance %s: compensation for %s settled out of order, top of stack is %s", in.ID, e.Step, top.Step)
		}
		out.Compensations = out.Compensations[:len(out.Compensations)-1]
		if e.Err != "" {
			out.FailureReason = fmt.Sprintf("%s; compensate %s: %s", out.FailureReason, e.Step, e.Err)
		}
		return out, nil

	case UnwindFinished:
		if in.Status != StatusCompensating || len(in.Compensations) != 0 {
			return nil, transitionError(in, ev)
		}
		out.Status = StatusCompensated
		at := e.At
		out.EndTime = &at
		return out, nil

	case InternalFailed:
		out.Status = StatusFailed
		out.CurrentStep = nil
		if out.FailureReason == "" {
			out.FailureReason = e.Reason
		}
		at := e.At
		out.EndTime = &at
		return out, nil

	default:
		return nil, fmt.Errorf("instance %s: unknown event %T", in.ID, ev)
	}
}

func transitionError(in *Instance, ev Event) error {
	return fmt.Errorf("instance %s: event %s not legal in status %s", in.ID, ev.eventName(), in.Status)
}
