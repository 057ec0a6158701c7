package recorder

import (
	"fmt"
	"time"
)

// MovementState is derived from speed, never persisted.
type MovementState string

const (
	MovementSlow MovementState = "slow"
	MovementFast MovementState = "fast"
)

// WatchState tracks whether a location watch is active.
type WatchState string

const (
	StateIdle     WatchState = "idle"
	StateWatching WatchState = "watching"
)

// Sample is one raw geolocation reading. Speed and Accuracy are nil when the
// platform did not report them.
type Sample struct {
	Lat       float64
	Lng       float64
	Accuracy  *float64
	Speed     *float64 // m/s, as reported by the device
	Timestamp time.Time
}

// WatchErrorKind categorizes acquisition failures for user display.
type WatchErrorKind string

const (
	KindPermissionDenied    WatchErrorKind = "permission-denied"
	KindPositionUnavailable WatchErrorKind = "position-unavailable"
	KindTimeout             WatchErrorKind = "timeout"
)

// WatchError wraps a location acquisition failure. Permission errors are
// terminal for the watch; the other kinds are transient and the watch stays
// registered.
type WatchError struct {
	Kind WatchErrorKind
	Err  error
}

func (e *WatchError) Error() string {
	switch e.Kind {
	case KindPermissionDenied:
		return fmt.Sprintf("location permission denied: %v", e.Err)
	case KindPositionUnavailable:
		return fmt.Sprintf("position unavailable: %v", e.Err)
	case KindTimeout:
		return fmt.Sprintf("location timed out: %v", e.Err)
	default:
		return fmt.Sprintf("location error: %v", e.Err)
	}
}

func (e *WatchError) Unwrap() error { return e.Err }

// WatchOptions mirror the platform watch registration knobs.
type WatchOptions struct {
	Timeout      time.Duration // max silence between samples before a timeout error
	MaximumAge   time.Duration // samples older than this are rejected, not delivered
	HighAccuracy bool
}

// Source delivers a continuous stream of location samples. The returned stop
// function is synchronous: once it returns, no further callbacks fire.
type Source interface {
	Watch(opts WatchOptions, onSample func(Sample), onError func(*WatchError)) (stop func(), err error)
}
