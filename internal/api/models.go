package api

import "time"

// Session is one participant's active share. The id never changes for its
// lifetime; the backend only ever mutates EndedAt, once.
type Session struct {
	ID        string     `json:"id"`
	Nickname  string     `json:"nickname"`
	DeviceID  string     `json:"deviceId"`
	StartedAt time.Time  `json:"startedAt"`
	EndedAt   *time.Time `json:"endedAt,omitempty"`
}

// TrackPoint is a single retained location sample. Immutable once persisted.
// Nickname is denormalized from the owning session for display.
type TrackPoint struct {
	TrackID   string    `json:"trackId"`
	PointID   string    `json:"pointId"`
	Timestamp time.Time `json:"ts"`
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Accuracy  *float64  `json:"accuracy,omitempty"`
	Nickname  string    `json:"nickname"`
}
