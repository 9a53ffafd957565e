package delivery

import (
	"fmt"
	"time"

	"drip-engine/internal/domain/entity"
)

// ActionKind is what the driver must do once a job has been processed.
type ActionKind int

const (
	// ActionDrop ends the job quietly: the campaign or subscriber no
	// longer permits processing.
	ActionDrop ActionKind = iota
	// ActionDiscard ends a job whose subscriber or message is gone.
	ActionDiscard
	// ActionHalt ends the chain after a recorded content failure.
	ActionHalt
	// ActionComplete ends the chain after its last step.
	ActionComplete
	// ActionDefer re-delays the job without consuming an attempt.
	ActionDefer
	// ActionRetry re-runs the job after Delay, consuming an attempt.
	ActionRetry
	// ActionReschedule enqueues Order immediately in place of a missing step.
	ActionReschedule
	// ActionScheduleNext enqueues the following step after Delay.
	ActionScheduleNext
)

var actionNames = [...]string{"drop", "discard", "halt", "complete", "defer", "retry", "reschedule", "schedule_next"}

func (k ActionKind) String() string {
	if int(k) < len(actionNames) {
		return actionNames[k]
	}
	return fmt.Sprintf("action(%d)", int(k))
}

// NextAction is the result of processing one job.
type NextAction struct {
	Kind     ActionKind
	Order    int
	Delay    time.Duration
	Priority int
	Salt     int64
	Reason   string
	Err      error
	// Campaign is set for the scheduling kinds.
	Campaign *entity.Campaign
}

// Drop returns an ActionDrop.
func Drop(reason string) NextAction { return NextAction{Kind: ActionDrop, Reason: reason} }

// Discard returns an ActionDiscard.
func Discard(reason string) NextAction { return NextAction{Kind: ActionDiscard, Reason: reason} }

// Halt returns an ActionHalt.
func Halt(reason string) NextAction { return NextAction{Kind: ActionHalt, Reason: reason} }

// Complete returns an ActionComplete.
func Complete() NextAction { return NextAction{Kind: ActionComplete, Reason: "last step sent"} }

// DeferFor returns an ActionDefer.
func DeferFor(d time.Duration, reason string) NextAction {
	return NextAction{Kind: ActionDefer, Delay: d, Reason: reason}
}

// RetryAfter returns an ActionRetry.
func RetryAfter(d time.Duration, err error) NextAction {
	return NextAction{Kind: ActionRetry, Delay: d, Err: err, Reason: err.Error()}
}

// Reschedule returns an ActionReschedule.
func Reschedule(c *entity.Campaign, order, priority int, salt int64) NextAction {
	return NextAction{Kind: ActionReschedule, Order: order, Priority: priority, Salt: salt, Campaign: c,
		Reason: "requested step missing"}
}

// ScheduleNext returns an ActionScheduleNext.
func ScheduleNext(c *entity.Campaign, order int, delay time.Duration, priority int, salt int64) NextAction {
	return NextAction{Kind: ActionScheduleNext, Order: order, Delay: delay, Priority: priority, Salt: salt, Campaign: c}
}
