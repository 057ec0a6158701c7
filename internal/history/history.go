package history

import (
	"context"
	"sort"
	"time"

	"trackshare-client/internal/api"
)

const defaultPageSize = 200

// Pager fetches one page of points at a time; the backend caps page size and
// hands back a continuation token.
type Pager interface {
	PointsPage(ctx context.Context, start, end time.Time, limit int, nextToken string) ([]api.TrackPoint, string, error)
}

// Service runs on-demand historical range queries.
type Service struct {
	api      Pager
	pageSize int
}

func NewService(pager Pager) *Service {
	return &Service{api: pager, pageSize: defaultPageSize}
}

// Range pages through [start, end] until max points are collected or the
// continuation token runs out, then sorts ascending by timestamp. max <= 0
// means no cap.
func (s *Service) Range(ctx context.Context, start, end time.Time, max int) ([]api.TrackPoint, error) {
	var all []api.TrackPoint
	token := ""
	for {
		limit := s.pageSize
		if max > 0 && max-len(all) < limit {
			limit = max - len(all)
		}

		items, next, err := s.api.PointsPage(ctx, start, end, limit, token)
		if err != nil {
			return nil, err
		}
		all = append(all, items...)

		if next == "" || (max > 0 && len(all) >= max) {
			break
		}
		token = next
	}
	if max > 0 && len(all) > max {
		all = all[:max]
	}

	sort.Slice(all, func(i, j int) bool {
		return all[i].Timestamp.Before(all[j].Timestamp)
	})
	return all, nil
}

// ByNickname groups points by the owning session's nickname, keeping each
// group's order.
func ByNickname(points []api.TrackPoint) map[string][]api.TrackPoint {
	grouped := map[string][]api.TrackPoint{}
	for _, pt := range points {
		grouped[pt.Nickname] = append(grouped[pt.Nickname], pt)
	}
	return grouped
}

// Counts reports how many points each nickname contributed.
func Counts(points []api.TrackPoint) map[string]int {
	counts := map[string]int{}
	for _, pt := range points {
		counts[pt.Nickname]++
	}
	return counts
}

// FilterNickname keeps only one nickname's points.
func FilterNickname(points []api.TrackPoint, nickname string) []api.TrackPoint {
	var out []api.TrackPoint
	for _, pt := range points {
		if pt.Nickname == nickname {
			out = append(out, pt)
		}
	}
	return out
}
