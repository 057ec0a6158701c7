package poller

import (
	"context"
	"sort"
	"sync"
	"time"

	"trackshare-client/internal/api"
)

const defaultMaxPoints = 1000

// Querier is the slice of the data API the poller needs.
type Querier interface {
	PointsByTimeRange(ctx context.Context, start, end time.Time, max int) ([]api.TrackPoint, error)
}

type Options struct {
	Window         time.Duration // trailing window per tick
	Interval       time.Duration // initial polling interval
	ExcludeTrackID string        // the caller's own track
	MaxPoints      int

	OnError  func(error)
	OnUpdate func(map[string][]api.TrackPoint)
}

// Poller periodically fetches every participant's recent points and regroups
// them by track for display. A failed tick skips the state update; the next
// tick is the retry.
type Poller struct {
	mu   sync.Mutex
	api  Querier
	opts Options

	interval  time.Duration
	tracks    map[string][]api.TrackPoint
	lastFetch time.Time

	bump  chan struct{}
	nowFn func() time.Time
}

func New(querier Querier, opts Options) *Poller {
	if opts.Window <= 0 {
		opts.Window = 30 * time.Minute
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	if opts.MaxPoints <= 0 {
		opts.MaxPoints = defaultMaxPoints
	}
	return &Poller{
		api:      querier,
		opts:     opts,
		interval: opts.Interval,
		tracks:   map[string][]api.TrackPoint{},
		bump:     make(chan struct{}, 1),
		nowFn:    time.Now,
	}
}

// Run ticks until ctx is cancelled. Interval changes apply immediately, not
// on the next tick.
func (p *Poller) Run(ctx context.Context) {
	timer := time.NewTimer(p.Interval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.bump:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(p.Interval())
		case <-timer.C:
			p.tick(ctx)
			timer.Reset(p.Interval())
		}
	}
}

// SetInterval retunes the polling cadence; driven by the recorder's movement
// state.
func (p *Poller) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	p.mu.Lock()
	changed := d != p.interval
	p.interval = d
	p.mu.Unlock()

	if changed {
		select {
		case p.bump <- struct{}{}:
		default:
		}
	}
}

func (p *Poller) Interval() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.interval
}

func (p *Poller) tick(ctx context.Context) {
	end := p.nowFn()
	start := end.Add(-p.opts.Window)

	points, err := p.api.PointsByTimeRange(ctx, start, end, p.opts.MaxPoints)
	if err != nil {
		if p.opts.OnError != nil {
			p.opts.OnError(err)
		}
		return
	}

	grouped := Group(points, p.opts.ExcludeTrackID)

	p.mu.Lock()
	p.tracks = grouped
	p.lastFetch = end
	p.mu.Unlock()

	if p.opts.OnUpdate != nil {
		p.opts.OnUpdate(grouped)
	}
}

// Poll runs one fetch immediately, outside the timer cadence.
func (p *Poller) Poll(ctx context.Context) {
	p.tick(ctx)
}

// Tracks returns the latest grouped peer tracks, each sorted ascending by
// timestamp so the last entry is the peer's current position.
func (p *Poller) Tracks() map[string][]api.TrackPoint {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[string][]api.TrackPoint, len(p.tracks))
	for id, pts := range p.tracks {
		cp := make([]api.TrackPoint, len(pts))
		copy(cp, pts)
		out[id] = cp
	}
	return out
}

func (p *Poller) LastFetch() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastFetch
}

// Group buckets points by track id, drops the excluded track, and sorts each
// bucket by timestamp. Query result order is never trusted.
func Group(points []api.TrackPoint, excludeTrackID string) map[string][]api.TrackPoint {
	grouped := map[string][]api.TrackPoint{}
	for _, pt := range points {
		if excludeTrackID != "" && pt.TrackID == excludeTrackID {
			continue
		}
		grouped[pt.TrackID] = append(grouped[pt.TrackID], pt)
	}
	for _, pts := range grouped {
		sort.Slice(pts, func(i, j int) bool {
			return pts[i].Timestamp.Before(pts[j].Timestamp)
		})
	}
	return grouped
}

// Latest returns the chronologically last point of a group.
func Latest(points []api.TrackPoint) (api.TrackPoint, bool) {
	if len(points) == 0 {
		return api.TrackPoint{}, false
	}
	latest := points[0]
	for _, pt := range points[1:] {
		if pt.Timestamp.After(latest.Timestamp) {
			latest = pt
		}
	}
	return latest, true
}
