// Package timedqueue fires actions at (or as close as possible after) an
// absolute target time.
//
// A Queue belongs to one device. Pending actions live in a min-heap ordered
// by target time and then by insertion sequence, so equal times keep the
// order in which they were scheduled. A single wake-up timer re-evaluates the
// heap; its delay is the time until the earliest pending action, capped by a
// poll ceiling so that no action is missed by more than the ceiling even if
// scheduling races with the timer.
//
// Architecture:
//
//	Schedule ──► heap (time, seq) ──► Check (timer / poll ceiling)
//	                                     │  due actions, in order
//	                                     ▼
//	                lane "q1" ─► action ─► Report / OnError / OnSlow
//	                lane "q2" ─► action ─►   ...
//
// Due actions are handed to lanes, never run on the wake-up goroutine. In
// SendModeBurst each queue id gets its own lane and lanes run concurrently;
// in SendModeInOrder every action shares one lane. Within a lane actions run
// strictly in the order they fell due. A lane's goroutine exits once the
// lane runs dry, so queue ids that come and go leave nothing behind.
//
// Cancellation (Cancel, ClearAfter, ClearQueueAfter) only touches pending
// actions. An action already handed to a lane runs to completion.
package timedqueue
