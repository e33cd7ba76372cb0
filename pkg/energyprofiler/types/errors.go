package types

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies why a run or a session failed
type ErrorKind string

const (
	KindUnknown              ErrorKind = ""
	KindTargetUnavailable    ErrorKind = "TargetUnavailable"
	KindLoadGenerationFailed ErrorKind = "LoadGenerationFailed"
	KindEnergyDataMissing    ErrorKind = "EnergyDataMissing"
	KindInsufficientData     ErrorKind = "InsufficientData"
	KindCancelled            ErrorKind = "Cancelled"
)

// Sentinels for errors.Is matching against a RunError of the same kind
var (
	ErrTargetUnavailable    = errors.New("target unavailable")
	ErrLoadGenerationFailed = errors.New("load generation failed")
	ErrEnergyDataMissing    = errors.New("energy data missing")
	ErrInsufficientData     = errors.New("insufficient data")
	ErrCancelled            = errors.New("cancelled")
)

var kindSentinels = map[ErrorKind]error{
	KindTargetUnavailable:    ErrTargetUnavailable,
	KindLoadGenerationFailed: ErrLoadGenerationFailed,
	KindEnergyDataMissing:    ErrEnergyDataMissing,
	KindInsufficientData:     ErrInsufficientData,
	KindCancelled:            ErrCancelled,
}

// RunError is a classified failure of one step of a run
type RunError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

// NewRunError wraps err with a kind and the failing operation
func NewRunError(kind ErrorKind, op string, err error) *RunError {
	return &RunError{Kind: kind, Op: op, Err: err}
}

func (e *RunError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }

// Is reports a match against the sentinel of the same kind
func (e *RunError) Is(target error) bool {
	sentinel, ok := kindSentinels[e.Kind]
	return ok && target == sentinel
}

// KindOf returns the kind of the first classified error in err's chain.
// Bare sentinels are recognised too.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	var re *RunError
	if errors.As(err, &re) {
		return re.Kind
	}
	var sf *SessionFailure
	if errors.As(err, &sf) {
		return sf.Kind
	}
	for kind, sentinel := range kindSentinels {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	return KindUnknown
}

// Attempt is one entry of a session's attempt log
type Attempt struct {
	RunIndex int       `json:"run_index"`
	Attempt  int       `json:"attempt"`
	Success  bool      `json:"success"`
	Kind     ErrorKind `json:"kind,omitempty"`
	Error    string    `json:"error,omitempty"`
	At       time.Time `json:"at"`
}

// SessionFailure is the terminal error of a session that could not produce a
// summary. Attempts holds every attempt made before giving up.
type SessionFailure struct {
	RunIndex int
	Kind     ErrorKind
	Attempts []Attempt
	Err      error
}

func (e *SessionFailure) Error() string {
	return fmt.Sprintf("energy session failed at run %d after %d attempt(s) (%s): %v",
		e.RunIndex, e.attemptsFor(e.RunIndex), e.Kind, e.Err)
}

func (e *SessionFailure) Unwrap() error { return e.Err }

func (e *SessionFailure) Is(target error) bool {
	sentinel, ok := kindSentinels[e.Kind]
	return ok && target == sentinel
}

func (e *SessionFailure) attemptsFor(runIndex int) int {
	n := 0
	for _, a := range e.Attempts {
		if a.RunIndex == runIndex {
			n++
		}
	}
	return n
}
