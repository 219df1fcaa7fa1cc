package event

import "errors"

// ErrCorruptLog is the fatal-engine-error kind of spec.md §7 kind 6. Append returns it
// for an event whose sequence number is not the next one in the log; it does not
// change the execution's state. Illegal state transitions are ErrInvalidTransition.
var ErrCorruptLog = errors.New("event: corrupt or inconsistent event log")

// ErrInvalidTransition is returned by SetState when the requested move isn't legal
// per the state machine in spec.md §4.3.
var ErrInvalidTransition = errors.New("event: invalid state transition")

// ErrTerminal is returned by Append once an execution has reached a terminal state
// (spec.md §8 invariant 4: terminal finality).
var ErrTerminal = errors.New("event: execution already in a terminal state")
