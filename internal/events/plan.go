package events

import "time"

// PlanStart is emitted before a plan is evaluated.
type PlanStart struct {
	Plan          string
	OperationName string
	Subscription  bool
}

// PlanFinish is emitted after a plan evaluation (or a subscription stream)
// ends.
type PlanFinish struct {
	Plan     string
	Errors   int
	Err      error
	Duration time.Duration
}

// FetchStart is emitted before a sub-request is sent. ID is unique within
// the process and pairs the start with its finish.
type FetchStart struct {
	ID            uint64
	Service       string
	OperationName string
	OperationKind string
	Path          []any
}

// FetchFinish is emitted after a sub-request completes.
type FetchFinish struct {
	ID       uint64
	Service  string
	Errors   int
	Err      error
	Duration time.Duration
}
