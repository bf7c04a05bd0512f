// Package channel runs one channel of one organization end to end: resolve
// locators, fetch, extract, normalize. A channel never fails outward.
package channel

import (
	"context"

	"github.com/JakeFAU/org-harvester/internal/harvest"
)

// State is a channel run's lifecycle position.
type State int

// Channel lifecycle. Fetching ends in Succeeded or Failed; Succeeded moves
// through Extracting to Produced or ProducedEmpty.
const (
	StateNotStarted State = iota
	StateFetching
	StateSucceeded
	StateFailed
	StateExtracting
	StateProduced
	StateProducedEmpty
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateFetching:
		return "fetching"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	case StateExtracting:
		return "extracting"
	case StateProduced:
		return "produced"
	case StateProducedEmpty:
		return "produced_empty"
	default:
		return "unknown"
	}
}

// Terminal reports whether s ends a run.
func (s State) Terminal() bool {
	switch s {
	case StateNotStarted, StateFailed, StateProduced, StateProducedEmpty:
		return true
	default:
		return false
	}
}

// Outcome is the result of one channel run. Records is empty whenever the
// channel failed.
type Outcome struct {
	Kind    harvest.ChannelKind
	State   State
	Records []harvest.Record
	// Err describes the last failure, for logging only.
	Err error
}

// Runner runs one channel kind.
type Runner interface {
	Kind() harvest.ChannelKind
	Run(ctx context.Context, cfg harvest.ChannelConfig) Outcome
}
