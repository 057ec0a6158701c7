package recorder

import (
	"errors"
	"sync"
	"time"
)

// ErrNotWatching is returned by Feed.Offer when no watch is registered.
var ErrNotWatching = errors.New("no active location watch")

// Feed is a push Source: the platform shell (UI webview, test harness) feeds
// samples in over Offer. It enforces the watch options: stale samples surface
// as errors instead of being delivered, and sustained silence produces
// timeout errors on the platform's behalf.
type Feed struct {
	mu       sync.Mutex
	opts     WatchOptions
	onSample func(Sample)
	onError  func(*WatchError)
	silence  *time.Timer

	nowFn func() time.Time
}

func NewFeed() *Feed {
	return &Feed{nowFn: time.Now}
}

func (f *Feed) Watch(opts WatchOptions, onSample func(Sample), onError func(*WatchError)) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.onSample != nil {
		return nil, errors.New("watch already active")
	}
	f.opts = opts
	f.onSample = onSample
	f.onError = onError
	f.armSilenceLocked()

	return f.stop, nil
}

func (f *Feed) stop() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.onSample = nil
	f.onError = nil
	if f.silence != nil {
		f.silence.Stop()
		f.silence = nil
	}
}

// Offer delivers one sample to the active watch.
func (f *Feed) Offer(s Sample) error {
	f.mu.Lock()
	if f.onSample == nil {
		f.mu.Unlock()
		return ErrNotWatching
	}

	if f.opts.MaximumAge > 0 && f.nowFn().Sub(s.Timestamp) > f.opts.MaximumAge {
		onError := f.onError
		f.mu.Unlock()
		if onError != nil {
			onError(&WatchError{Kind: KindTimeout, Err: errors.New("sample older than maximum age")})
		}
		return nil
	}

	f.armSilenceLocked()
	onSample := f.onSample
	f.mu.Unlock()

	onSample(s)
	return nil
}

// Fail surfaces a platform acquisition failure to the active watch.
func (f *Feed) Fail(kind WatchErrorKind, err error) {
	f.mu.Lock()
	onError := f.onError
	f.mu.Unlock()

	if onError != nil {
		onError(&WatchError{Kind: kind, Err: err})
	}
}

func (f *Feed) armSilenceLocked() {
	if f.silence != nil {
		f.silence.Stop()
		f.silence = nil
	}
	if f.opts.Timeout <= 0 {
		return
	}
	f.silence = time.AfterFunc(f.opts.Timeout, func() {
		f.mu.Lock()
		onError := f.onError
		if onError != nil {
			f.armSilenceLocked()
		}
		f.mu.Unlock()

		if onError != nil {
			onError(&WatchError{Kind: KindTimeout, Err: errors.New("no sample within timeout")})
		}
	})
}
