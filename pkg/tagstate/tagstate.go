package tagstate

import (
	"context"
	"fmt"
)

// Tags names the four workflow tags. All transitions are expressed against
// this set so deployments can rename tags without touching the state logic.
type Tags struct {
	Trigger    string
	Processing string
	Done       string
	Error      string
}

// Default returns the stock tag names.
func Default() Tags {
	return Tags{
		Trigger:    "pdf:sign",
		Processing: "pdf:processing",
		Done:       "pdf:signed",
		Error:      "pdf:error",
	}
}

// ShouldProcess decides whether a ticket's current tags call for archival.
// A ticket already carrying the done tag is never reprocessed from a
// webhook; requireTrigger additionally demands the trigger tag.
func ShouldProcess(current []string, tags Tags, requireTrigger bool) bool {
	set := make(map[string]struct{}, len(current))
	for _, t := range current {
		set[t] = struct{}{}
	}
	if _, done := set[tags.Done]; done {
		return false
	}
	if requireTrigger {
		_, ok := set[tags.Trigger]
		return ok
	}
	return true
}

// Transition is a deterministic tag change: removals first, then additions,
// in order. Applying a transition twice leaves the ticket in the same state.
type Transition struct {
	Remove []string
	Add    []string
}

// ProcessingTransition moves a ticket from any state to processing.
func ProcessingTransition(tags Tags) Transition {
	return Transition{
		Remove: []string{tags.Done, tags.Error, tags.Trigger},
		Add:    []string{tags.Processing},
	}
}

// DoneTransition moves a ticket from any state to done.
func DoneTransition(tags Tags) Transition {
	return Transition{
		Remove: []string{tags.Processing, tags.Error, tags.Trigger},
		Add:    []string{tags.Done},
	}
}

// ErrorTransition moves a ticket from any state to error. With keepTrigger
// the trigger tag is restored so a transient failure stays eligible for the
// next delivery; without it the trigger is cleared and the ticket waits for
// an operator.
func ErrorTransition(tags Tags, keepTrigger bool) Transition {
	tr := Transition{
		Remove: []string{tags.Processing, tags.Done},
	}
	if keepTrigger {
		tr.Add = append(tr.Add, tags.Trigger)
	} else {
		tr.Remove = append(tr.Remove, tags.Trigger)
	}
	tr.Add = append(tr.Add, tags.Error)
	return tr
}

// Tagger mutates tags on a ticket.
type Tagger interface {
	AddTag(ctx context.Context, ticketID int64, tag string) error
	RemoveTag(ctx context.Context, ticketID int64, tag string) error
}

// Apply executes a transition against a ticket, removals before additions.
func Apply(ctx context.Context, tagger Tagger, ticketID int64, tr Transition) error {
	for _, tag := range tr.Remove {
		if err := tagger.RemoveTag(ctx, ticketID, tag); err != nil {
			return fmt.Errorf("failed to remove tag %s: %w", tag, err)
		}
	}
	for _, tag := range tr.Add {
		if err := tagger.AddTag(ctx, ticketID, tag); err != nil {
			return fmt.Errorf("failed to add tag %s: %w", tag, err)
		}
	}
	return nil
}
