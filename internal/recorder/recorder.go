package recorder

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"trackshare-client/internal/api"
	"trackshare-client/internal/shared/geo"

	"github.com/google/uuid"
)

const (
	fastEnterMps = 5.0
	slowExitMps  = 3.0

	defaultFlushFast    = 15 * time.Second
	defaultFlushSlow    = 60 * time.Second
	defaultMinDistanceM = 25.0
	defaultMinInterval  = 3 * time.Minute

	flushCallTimeout = 30 * time.Second
)

// ErrOffline marks a flush that was skipped because the client is offline.
// The buffer is untouched; the next trigger retries.
var ErrOffline = errors.New("offline, flush deferred")

// PartialFlushError reports a batch that failed partway through. Sent points
// are durable and must never be re-sent; Pending points were re-queued.
type PartialFlushError struct {
	Sent    []api.TrackPoint
	Pending []api.TrackPoint
	Err     error
}

func (e *PartialFlushError) Error() string {
	return fmt.Sprintf("flush sent %d of %d points: %v", len(e.Sent), len(e.Sent)+len(e.Pending), e.Err)
}

func (e *PartialFlushError) Unwrap() error { return e.Err }

// TrackAPI is the slice of the data API the recorder needs.
type TrackAPI interface {
	CreatePoint(ctx context.Context, p api.TrackPoint) (api.TrackPoint, error)
	EndSession(ctx context.Context, id string, endedAt time.Time) (api.Session, error)
}

// Options tune the recorder. Zero values fall back to the defaults above.
type Options struct {
	FlushIntervalFast time.Duration
	FlushIntervalSlow time.Duration
	MinDistanceM      float64
	MinInterval       time.Duration
	RecordAll         bool // disable stagnation suppression

	OnError          func(error)
	OnMovementChange func(MovementState)
	OnPoint          func(api.TrackPoint)
	OnFlush          func(sent []api.TrackPoint)
}

// Recorder turns raw location samples into a buffered, rate-limited stream of
// persisted track points. All state is owned here and guarded by one mutex;
// flush coalescing goes through a single in-flight future.
type Recorder struct {
	mu   sync.Mutex
	api  TrackAPI
	opts Options

	session api.Session
	ended   bool

	state    WatchState
	movement MovementState
	stopFn   func()

	lastSample   *Sample
	lastRecorded *api.TrackPoint
	pending      []api.TrackPoint
	display      []api.TrackPoint

	online      bool
	inflight    *flight
	flushTimer  *time.Timer
	lastFlushAt time.Time

	nowFn func() time.Time
	newID func() string
}

type flight struct {
	done chan struct{}
	err  error
}

func New(trackAPI TrackAPI, session api.Session, opts Options) *Recorder {
	if opts.FlushIntervalFast <= 0 {
		opts.FlushIntervalFast = defaultFlushFast
	}
	if opts.FlushIntervalSlow <= 0 {
		opts.FlushIntervalSlow = defaultFlushSlow
	}
	if opts.MinDistanceM <= 0 {
		opts.MinDistanceM = defaultMinDistanceM
	}
	if opts.MinInterval <= 0 {
		opts.MinInterval = defaultMinInterval
	}

	return &Recorder{
		api:      trackAPI,
		opts:     opts,
		session:  session,
		state:    StateIdle,
		movement: MovementSlow,
		online:   true,
		nowFn:    time.Now,
		newID:    uuid.NewString,
	}
}

// Start registers a location watch on src and arms the flush timer. Starting
// an already-watching recorder is a no-op.
func (r *Recorder) Start(src Source, wopts WatchOptions) error {
	r.mu.Lock()
	if r.state == StateWatching {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	stop, err := src.Watch(wopts, r.Offer, r.watchError)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.stopFn = stop
	r.state = StateWatching
	r.scheduleFlushLocked()
	r.mu.Unlock()
	return nil
}

// Stop halts the watch synchronously, disarms the timer, and flushes any
// buffered points best-effort. An in-flight flush is left to finish on its
// own.
func (r *Recorder) Stop(ctx context.Context) error {
	r.mu.Lock()
	if r.stopFn != nil {
		r.stopFn()
		r.stopFn = nil
	}
	if r.flushTimer != nil {
		r.flushTimer.Stop()
		r.flushTimer = nil
	}
	r.state = StateIdle
	r.mu.Unlock()

	return r.Flush(ctx)
}

// End stops the watch, forces a final flush, then issues the session-end
// mutation. The end timestamp is written once; calling End again returns the
// already-ended session.
func (r *Recorder) End(ctx context.Context) (api.Session, error) {
	_ = r.Stop(ctx)

	r.mu.Lock()
	if r.ended {
		s := r.session
		r.mu.Unlock()
		return s, nil
	}
	r.mu.Unlock()

	endedAt := r.nowFn()
	ended, err := r.api.EndSession(ctx, r.session.ID, endedAt)
	if err != nil {
		r.reportError(err)
		return api.Session{}, err
	}

	r.mu.Lock()
	r.ended = true
	if ended.EndedAt != nil {
		r.session.EndedAt = ended.EndedAt
	} else {
		r.session.EndedAt = &endedAt
	}
	s := r.session
	r.mu.Unlock()
	return s, nil
}

// Offer runs one raw sample through speed estimation, movement
// classification and the retention decision.
func (r *Recorder) Offer(s Sample) {
	r.mu.Lock()

	speed, hasSpeed := r.instantSpeedLocked(s)
	movementChanged := r.classifyLocked(speed, hasSpeed)
	retained := r.shouldRetainLocked(s, hasSpeed)
	r.lastSample = &s

	var point api.TrackPoint
	if retained {
		point = api.TrackPoint{
			TrackID:   r.session.ID,
			PointID:   r.newID(),
			Timestamp: s.Timestamp,
			Lat:       s.Lat,
			Lng:       s.Lng,
			Accuracy:  s.Accuracy,
			Nickname:  r.session.Nickname,
		}
		r.display = append(r.display, point)
		r.pending = append(r.pending, point)
		r.lastRecorded = &point
	}

	if movementChanged && r.state == StateWatching {
		r.scheduleFlushLocked()
	}
	movement := r.movement
	onMovement := r.opts.OnMovementChange
	onPoint := r.opts.OnPoint
	r.mu.Unlock()

	if movementChanged && onMovement != nil {
		onMovement(movement)
	}
	if retained && onPoint != nil {
		onPoint(point)
	}
}

// instantSpeedLocked prefers the device-reported speed when it is finite and
// non-negative, else derives one from the previous raw sample.
func (r *Recorder) instantSpeedLocked(s Sample) (float64, bool) {
	if s.Speed != nil && !math.IsNaN(*s.Speed) && !math.IsInf(*s.Speed, 0) && *s.Speed >= 0 {
		return *s.Speed, true
	}
	if r.lastSample != nil {
		elapsed := s.Timestamp.Sub(r.lastSample.Timestamp)
		if v, ok := geo.SpeedMps(r.lastSample.Lat, r.lastSample.Lng, s.Lat, s.Lng, elapsed); ok {
			return v, true
		}
	}
	return 0, false
}

// classifyLocked applies the hysteresis band: enter fast at >=5 m/s, return
// to slow at <=3 m/s, keep state in between. Unknown speed reads as slow.
func (r *Recorder) classifyLocked(speed float64, hasSpeed bool) bool {
	next := r.movement
	switch {
	case !hasSpeed:
		next = MovementSlow
	case speed >= fastEnterMps:
		next = MovementFast
	case speed <= slowExitMps:
		next = MovementSlow
	}
	if next == r.movement {
		return false
	}
	r.movement = next
	return true
}

// shouldRetainLocked decides whether the sample becomes a track point. A
// point is suppressed only when the device is effectively stationary: slow
// or unknown speed, within MinDistanceM of the last retained point, and less
// than MinInterval since it. Stationary devices therefore still record a
// point every MinInterval.
func (r *Recorder) shouldRetainLocked(s Sample, hasSpeed bool) bool {
	if r.opts.RecordAll {
		return true
	}
	if r.movement == MovementFast && hasSpeed {
		return true
	}
	if r.lastRecorded == nil {
		return true
	}

	dist := geo.DistanceM(r.lastRecorded.Lat, r.lastRecorded.Lng, s.Lat, s.Lng)
	elapsed := s.Timestamp.Sub(r.lastRecorded.Timestamp)
	return dist >= r.opts.MinDistanceM || elapsed >= r.opts.MinInterval
}

// Flush drains the pending buffer to the API as an ordered batch of
// per-point calls. Concurrent calls coalesce onto the same in-flight attempt
// and share its outcome.
func (r *Recorder) Flush(ctx context.Context) error {
	r.mu.Lock()
	if f := r.inflight; f != nil {
		r.mu.Unlock()
		select {
		case <-f.done:
			return f.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if len(r.pending) == 0 {
		r.mu.Unlock()
		return nil
	}
	if !r.online {
		r.mu.Unlock()
		return ErrOffline
	}

	f := &flight{done: make(chan struct{})}
	r.inflight = f
	batch := r.pending
	r.pending = nil
	r.mu.Unlock()

	var sent []api.TrackPoint
	var flushErr error
	for i, p := range batch {
		if _, err := r.api.CreatePoint(ctx, p); err != nil {
			tail := batch[i:]
			r.mu.Lock()
			// unsent tail goes back to the front so cross-flush order holds
			r.pending = append(append([]api.TrackPoint{}, tail...), r.pending...)
			r.mu.Unlock()
			flushErr = &PartialFlushError{Sent: sent, Pending: tail, Err: err}
			break
		}
		sent = append(sent, p)
	}

	r.mu.Lock()
	if flushErr == nil {
		r.lastFlushAt = r.nowFn()
	}
	r.inflight = nil
	f.err = flushErr
	onFlush := r.opts.OnFlush
	r.mu.Unlock()
	close(f.done)

	if flushErr != nil {
		r.reportError(flushErr)
		return flushErr
	}
	if onFlush != nil && len(sent) > 0 {
		onFlush(sent)
	}
	return nil
}

// SetOnline records connectivity. Regaining it triggers an out-of-band flush
// attempt.
func (r *Recorder) SetOnline(online bool) {
	r.mu.Lock()
	was := r.online
	r.online = online
	r.mu.Unlock()

	if online && !was {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), flushCallTimeout)
			defer cancel()
			_ = r.Flush(ctx)
		}()
	}
}

func (r *Recorder) scheduleFlushLocked() {
	if r.flushTimer != nil {
		r.flushTimer.Stop()
	}
	r.flushTimer = time.AfterFunc(r.flushIntervalLocked(), r.flushTick)
}

func (r *Recorder) flushIntervalLocked() time.Duration {
	if r.movement == MovementFast {
		return r.opts.FlushIntervalFast
	}
	return r.opts.FlushIntervalSlow
}

func (r *Recorder) flushTick() {
	r.mu.Lock()
	if r.state != StateWatching {
		r.mu.Unlock()
		return
	}
	r.scheduleFlushLocked()
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), flushCallTimeout)
	defer cancel()
	_ = r.Flush(ctx)
}

// watchError forwards acquisition failures. The watch stays registered; the
// caller decides whether to stop based on the error kind.
func (r *Recorder) watchError(we *WatchError) {
	r.reportError(we)
}

func (r *Recorder) reportError(err error) {
	r.mu.Lock()
	onError := r.opts.OnError
	r.mu.Unlock()
	if onError != nil && !errors.Is(err, ErrOffline) {
		onError(err)
	}
}

// Session returns the session as currently known, including the end
// timestamp once set.
func (r *Recorder) Session() api.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.session
}

func (r *Recorder) State() WatchState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Recorder) Movement() MovementState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.movement
}

// Display returns a copy of every point retained this session, oldest first.
func (r *Recorder) Display() []api.TrackPoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]api.TrackPoint, len(r.display))
	copy(out, r.display)
	return out
}

// Pending returns a copy of the not-yet-persisted points.
func (r *Recorder) Pending() []api.TrackPoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]api.TrackPoint, len(r.pending))
	copy(out, r.pending)
	return out
}

func (r *Recorder) LastFlushAt() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastFlushAt
}
