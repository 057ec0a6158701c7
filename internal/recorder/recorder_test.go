package recorder

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"trackshare-client/internal/api"
)

type fakeAPI struct {
	mu       sync.Mutex
	created  []api.TrackPoint
	failOn   map[string]error
	gate     chan struct{}
	endCalls int
	endErr   error
}

func (f *fakeAPI) CreatePoint(_ context.Context, p api.TrackPoint) (api.TrackPoint, error) {
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.failOn[p.PointID]; ok {
		delete(f.failOn, p.PointID)
		return api.TrackPoint{}, err
	}
	f.created = append(f.created, p)
	return p, nil
}

func (f *fakeAPI) EndSession(_ context.Context, id string, endedAt time.Time) (api.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.endCalls++
	if f.endErr != nil {
		return api.Session{}, f.endErr
	}
	return api.Session{ID: id, EndedAt: &endedAt}, nil
}

func (f *fakeAPI) sent() []api.TrackPoint {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]api.TrackPoint, len(f.created))
	copy(out, f.created)
	return out
}

func f64(v float64) *float64 { return &v }

func testSession() api.Session {
	return api.Session{ID: "track-1", Nickname: "alice", DeviceID: "dev-1", StartedAt: time.Now()}
}

func TestRetainedTimestampsStrictlyIncrease(t *testing.T) {
	rec := New(&fakeAPI{}, testSession(), Options{})
	base := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	// mix of moving and stationary samples
	samples := []Sample{
		{Lat: 35.0000, Lng: 139.0000, Speed: f64(8), Timestamp: base},
		{Lat: 35.0010, Lng: 139.0000, Speed: f64(8), Timestamp: base.Add(10 * time.Second)},
		{Lat: 35.0010, Lng: 139.0000, Speed: f64(0), Timestamp: base.Add(20 * time.Second)},
		{Lat: 35.0010, Lng: 139.0001, Speed: f64(0), Timestamp: base.Add(30 * time.Second)},
		{Lat: 35.0020, Lng: 139.0000, Speed: f64(8), Timestamp: base.Add(40 * time.Second)},
	}
	for _, s := range samples {
		rec.Offer(s)
	}

	display := rec.Display()
	if len(display) == 0 {
		t.Fatalf("expected retained points")
	}
	for i := 1; i < len(display); i++ {
		if !display[i].Timestamp.After(display[i-1].Timestamp) {
			t.Fatalf("timestamps not strictly increasing at %d", i)
		}
	}
}

func TestStagnationSuppression(t *testing.T) {
	rec := New(&fakeAPI{}, testSession(), Options{})
	base := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	rec.Offer(Sample{Lat: 35.0, Lng: 139.0, Speed: f64(0), Timestamp: base})
	if len(rec.Display()) != 1 {
		t.Fatalf("first sample must be retained")
	}

	// ~11 m away, 1 minute later, stationary: suppressed
	rec.Offer(Sample{Lat: 35.0001, Lng: 139.0, Speed: f64(0), Timestamp: base.Add(time.Minute)})
	if len(rec.Display()) != 1 {
		t.Fatalf("near stationary sample must be suppressed")
	}

	// same spot but past the minimum interval: retained
	rec.Offer(Sample{Lat: 35.0001, Lng: 139.0, Speed: f64(0), Timestamp: base.Add(3 * time.Minute)})
	if len(rec.Display()) != 2 {
		t.Fatalf("sample past min interval must be retained")
	}

	// far enough away even while slow: retained
	rec.Offer(Sample{Lat: 35.001, Lng: 139.0, Speed: f64(0), Timestamp: base.Add(3*time.Minute + 10*time.Second)})
	if len(rec.Display()) != 3 {
		t.Fatalf("distant sample must be retained")
	}
}

func TestRecordAllDisablesSuppression(t *testing.T) {
	rec := New(&fakeAPI{}, testSession(), Options{RecordAll: true})
	base := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	rec.Offer(Sample{Lat: 35.0, Lng: 139.0, Speed: f64(0), Timestamp: base})
	rec.Offer(Sample{Lat: 35.0, Lng: 139.0, Speed: f64(0), Timestamp: base.Add(time.Second)})
	if len(rec.Display()) != 2 {
		t.Fatalf("record-all must keep every sample")
	}
}

func TestMovementHysteresis(t *testing.T) {
	var transitions []MovementState
	rec := New(&fakeAPI{}, testSession(), Options{
		OnMovementChange: func(m MovementState) { transitions = append(transitions, m) },
	})
	base := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	for i, v := range []float64{6, 4, 2} {
		rec.Offer(Sample{Lat: 35.0, Lng: 139.0, Speed: f64(v), Timestamp: base.Add(time.Duration(i) * 10 * time.Second)})
	}

	if len(transitions) != 2 || transitions[0] != MovementFast || transitions[1] != MovementSlow {
		t.Fatalf("unexpected transitions: %v", transitions)
	}
	if rec.Movement() != MovementSlow {
		t.Fatalf("expected slow after 2 m/s")
	}
}

func TestNilSpeedClassifiesSlow(t *testing.T) {
	rec := New(&fakeAPI{}, testSession(), Options{})
	base := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	rec.Offer(Sample{Lat: 35.0, Lng: 139.0, Speed: f64(8), Timestamp: base})
	if rec.Movement() != MovementFast {
		t.Fatalf("expected fast")
	}

	// no reported speed and no positive elapsed to derive one from
	rec.Offer(Sample{Lat: 35.0, Lng: 139.0, Timestamp: base})
	if rec.Movement() != MovementSlow {
		t.Fatalf("nil speed must classify as slow")
	}
}

func TestDerivedSpeedFromDistance(t *testing.T) {
	rec := New(&fakeAPI{}, testSession(), Options{})
	base := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	rec.Offer(Sample{Lat: 35.0, Lng: 139.0, Timestamp: base})
	// ~111 m north in 10 s ~ 11 m/s
	rec.Offer(Sample{Lat: 35.001, Lng: 139.0, Timestamp: base.Add(10 * time.Second)})
	if rec.Movement() != MovementFast {
		t.Fatalf("expected derived speed to classify fast")
	}
}

func TestNegativeReportedSpeedIgnored(t *testing.T) {
	rec := New(&fakeAPI{}, testSession(), Options{})
	base := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	rec.Offer(Sample{Lat: 35.0, Lng: 139.0, Timestamp: base})
	// negative reported speed falls back to the derived value
	rec.Offer(Sample{Lat: 35.001, Lng: 139.0, Speed: f64(-1), Timestamp: base.Add(10 * time.Second)})
	if rec.Movement() != MovementFast {
		t.Fatalf("expected fallback to derived speed")
	}
}

func offerThreeFast(rec *Recorder) {
	base := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	rec.Offer(Sample{Lat: 35.000, Lng: 139.0, Speed: f64(8), Timestamp: base})
	rec.Offer(Sample{Lat: 35.001, Lng: 139.0, Speed: f64(8), Timestamp: base.Add(10 * time.Second)})
	rec.Offer(Sample{Lat: 35.002, Lng: 139.0, Speed: f64(8), Timestamp: base.Add(20 * time.Second)})
}

func TestFlushPartialFailureResendsTailOnly(t *testing.T) {
	fake := &fakeAPI{failOn: map[string]error{}}
	rec := New(fake, testSession(), Options{})
	offerThreeFast(rec)

	pending := rec.Pending()
	if len(pending) != 3 {
		t.Fatalf("expected 3 pending, got %d", len(pending))
	}
	fake.failOn[pending[1].PointID] = errors.New("network down")

	err := rec.Flush(context.Background())
	var pfe *PartialFlushError
	if !errors.As(err, &pfe) {
		t.Fatalf("expected partial flush error, got %v", err)
	}
	if len(pfe.Sent) != 1 || pfe.Sent[0].PointID != pending[0].PointID {
		t.Fatalf("unexpected sent subset: %+v", pfe.Sent)
	}
	if len(pfe.Pending) != 2 || pfe.Pending[0].PointID != pending[1].PointID {
		t.Fatalf("unexpected pending subset: %+v", pfe.Pending)
	}

	if err := rec.Flush(context.Background()); err != nil {
		t.Fatalf("retry flush: %v", err)
	}

	sent := fake.sent()
	if len(sent) != 3 {
		t.Fatalf("expected 3 delivered, got %d", len(sent))
	}
	for i, p := range pending {
		if sent[i].PointID != p.PointID {
			t.Fatalf("delivery order broken at %d", i)
		}
	}
	if len(rec.Pending()) != 0 {
		t.Fatalf("expected empty buffer after retry")
	}
}

func TestFlushEmptyBuffer(t *testing.T) {
	rec := New(&fakeAPI{}, testSession(), Options{})
	if err := rec.Flush(context.Background()); err != nil {
		t.Fatalf("empty flush must succeed: %v", err)
	}
}

func TestFlushCoalesces(t *testing.T) {
	fake := &fakeAPI{gate: make(chan struct{})}
	rec := New(fake, testSession(), Options{})
	offerThreeFast(rec)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = rec.Flush(context.Background())
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	close(fake.gate)
	wg.Wait()

	if errs[0] != nil || errs[1] != nil {
		t.Fatalf("coalesced flushes must share success: %v %v", errs[0], errs[1])
	}
	if len(fake.sent()) != 3 {
		t.Fatalf("expected one drain, got %d calls", len(fake.sent()))
	}
}

func TestFlushOfflineDefersAndOnlineTriggers(t *testing.T) {
	fake := &fakeAPI{}
	rec := New(fake, testSession(), Options{})
	offerThreeFast(rec)

	rec.SetOnline(false)
	if err := rec.Flush(context.Background()); !errors.Is(err, ErrOffline) {
		t.Fatalf("expected offline error, got %v", err)
	}
	if len(rec.Pending()) != 3 {
		t.Fatalf("offline flush must not touch the buffer")
	}

	rec.SetOnline(true)
	deadline := time.Now().Add(time.Second)
	for len(fake.sent()) != 3 {
		if time.Now().After(deadline) {
			t.Fatalf("online transition did not trigger flush")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestScheduledFlushUsesMovementInterval(t *testing.T) {
	fake := &fakeAPI{}
	rec := New(fake, testSession(), Options{
		FlushIntervalFast: 30 * time.Millisecond,
		FlushIntervalSlow: time.Hour,
	})
	feed := NewFeed()
	if err := rec.Start(feed, WatchOptions{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() { _ = rec.Stop(context.Background()) }()

	// fast samples rearm the timer at the fast interval
	offerThreeFast(rec)

	deadline := time.Now().Add(time.Second)
	for len(fake.sent()) != 3 {
		if time.Now().After(deadline) {
			t.Fatalf("scheduled flush did not fire at fast interval")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestEndForcesFinalFlush(t *testing.T) {
	fake := &fakeAPI{}
	rec := New(fake, testSession(), Options{
		FlushIntervalFast: time.Hour,
		FlushIntervalSlow: time.Hour,
	})
	feed := NewFeed()
	if err := rec.Start(feed, WatchOptions{}); err != nil {
		t.Fatalf("start: %v", err)
	}

	offerThreeFast(rec)

	s, err := rec.End(context.Background())
	if err != nil {
		t.Fatalf("end: %v", err)
	}
	if len(fake.sent()) != 3 {
		t.Fatalf("end must force a flush before the end mutation")
	}
	if fake.endCalls != 1 {
		t.Fatalf("expected one end-session call")
	}
	if s.EndedAt == nil {
		t.Fatalf("expected end timestamp")
	}
	if rec.State() != StateIdle {
		t.Fatalf("expected idle after end")
	}

	// end timestamp is write-once
	again, err := rec.End(context.Background())
	if err != nil {
		t.Fatalf("second end: %v", err)
	}
	if fake.endCalls != 1 {
		t.Fatalf("second end must not issue another mutation")
	}
	if !again.EndedAt.Equal(*s.EndedAt) {
		t.Fatalf("end timestamp changed")
	}
}

func TestEndSessionErrorSurfaces(t *testing.T) {
	var got error
	fake := &fakeAPI{endErr: errors.New("boom")}
	rec := New(fake, testSession(), Options{OnError: func(err error) { got = err }})

	if _, err := rec.End(context.Background()); err == nil {
		t.Fatalf("expected error")
	}
	if got == nil {
		t.Fatalf("expected error callback")
	}
}

func TestStartIdempotent(t *testing.T) {
	rec := New(&fakeAPI{}, testSession(), Options{})
	feed := NewFeed()
	if err := rec.Start(feed, WatchOptions{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() { _ = rec.Stop(context.Background()) }()

	if err := rec.Start(feed, WatchOptions{}); err != nil {
		t.Fatalf("second start must be a no-op: %v", err)
	}
	if rec.State() != StateWatching {
		t.Fatalf("expected watching")
	}
}

func TestWatchErrorSurfacesWithoutStopping(t *testing.T) {
	var mu sync.Mutex
	var got []error
	rec := New(&fakeAPI{}, testSession(), Options{OnError: func(err error) {
		mu.Lock()
		got = append(got, err)
		mu.Unlock()
	}})
	feed := NewFeed()
	if err := rec.Start(feed, WatchOptions{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() { _ = rec.Stop(context.Background()) }()

	feed.Fail(KindPositionUnavailable, errors.New("no fix"))

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("expected one error, got %d", len(got))
	}
	var we *WatchError
	if !errors.As(got[0], &we) || we.Kind != KindPositionUnavailable {
		t.Fatalf("unexpected error: %v", got[0])
	}
	if rec.State() != StateWatching {
		t.Fatalf("transient error must not stop the watch")
	}
}

func TestOnPointCallback(t *testing.T) {
	var points []api.TrackPoint
	rec := New(&fakeAPI{}, testSession(), Options{OnPoint: func(p api.TrackPoint) { points = append(points, p) }})
	offerThreeFast(rec)

	if len(points) != 3 {
		t.Fatalf("expected callback per retained point, got %d", len(points))
	}
	if points[0].TrackID != "track-1" || points[0].Nickname != "alice" {
		t.Fatalf("unexpected point fields: %+v", points[0])
	}
}
