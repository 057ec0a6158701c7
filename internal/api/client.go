package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"trackshare-client/internal/config"
)

const defaultPageSize = 100

// Client wraps the track data API. All four operations post GraphQL
// documents to a single endpoint; credentials are re-fetched once when a
// request comes back unauthorized.
type Client struct {
	httpClient *http.Client
	endpoint   string
	region     string
	creds      *CredentialProvider
	pageSize   int
}

func NewClient(cfg config.Config, creds *CredentialProvider) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		endpoint:   cfg.APIEndpoint,
		region:     cfg.APIRegion,
		creds:      creds,
		pageSize:   defaultPageSize,
	}
}

type gqlError struct {
	Message   string `json:"message"`
	ErrorType string `json:"errorType,omitempty"`
}

type gqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []gqlError      `json:"errors,omitempty"`
}

func (c *Client) do(ctx context.Context, query string, vars map[string]any, out any) error {
	body, err := json.Marshal(map[string]any{
		"query":     query,
		"variables": vars,
	})
	if err != nil {
		return err
	}

	refreshed := false
	for {
		token, err := c.creds.Token(ctx)
		if err != nil {
			return err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", token)
		req.Header.Set("X-Region", c.region)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}

		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			resp.Body.Close()
			if refreshed {
				return fmt.Errorf("api unauthorized after credential refresh")
			}
			refreshed = true
			if _, err := c.creds.Refresh(ctx); err != nil {
				return err
			}
			continue
		}

		var gql gqlResponse
		decodeErr := json.NewDecoder(resp.Body).Decode(&gql)
		resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("api status %d", resp.StatusCode)
		}
		if decodeErr != nil {
			return decodeErr
		}
		if len(gql.Errors) > 0 {
			return fmt.Errorf("api: %s", gql.Errors[0].Message)
		}
		if out != nil {
			return json.Unmarshal(gql.Data, out)
		}
		return nil
	}
}

const createSessionMutation = `mutation CreateSession($input: CreateSessionInput!) {
  createSession(input: $input) { id nickname deviceId startedAt endedAt }
}`

// CreateSession persists a new session. Idempotent on the session id.
func (c *Client) CreateSession(ctx context.Context, s Session) (Session, error) {
	var out struct {
		CreateSession Session `json:"createSession"`
	}
	err := c.do(ctx, createSessionMutation, map[string]any{
		"input": map[string]any{
			"id":        s.ID,
			"nickname":  s.Nickname,
			"deviceId":  s.DeviceID,
			"startedAt": s.StartedAt.UTC().Format(time.RFC3339Nano),
		},
	}, &out)
	if err != nil {
		return Session{}, err
	}
	return out.CreateSession, nil
}

const endSessionMutation = `mutation EndSession($id: ID!, $endedAt: AWSDateTime!) {
  endSession(id: $id, endedAt: $endedAt) { id nickname deviceId startedAt endedAt }
}`

// EndSession sets the session's end timestamp. A session that was already
// ended is treated as success so a retried shutdown cannot fail.
func (c *Client) EndSession(ctx context.Context, id string, endedAt time.Time) (Session, error) {
	var out struct {
		EndSession Session `json:"endSession"`
	}
	err := c.do(ctx, endSessionMutation, map[string]any{
		"id":      id,
		"endedAt": endedAt.UTC().Format(time.RFC3339Nano),
	}, &out)
	if err != nil {
		if isAlreadyEnded(err) {
			ended := endedAt
			return Session{ID: id, EndedAt: &ended}, nil
		}
		return Session{}, err
	}
	return out.EndSession, nil
}

func isAlreadyEnded(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "ConditionalCheckFailed") ||
		strings.Contains(msg, "already ended")
}

const createPointMutation = `mutation CreatePoint($input: CreatePointInput!) {
  createPoint(input: $input) { trackId pointId ts lat lng accuracy nickname }
}`

// CreatePoint persists one track point. One call per point; a failure here
// says nothing about points sent before it.
func (c *Client) CreatePoint(ctx context.Context, p TrackPoint) (TrackPoint, error) {
	input := map[string]any{
		"trackId":  p.TrackID,
		"pointId":  p.PointID,
		"ts":       p.Timestamp.UTC().Format(time.RFC3339Nano),
		"lat":      p.Lat,
		"lng":      p.Lng,
		"nickname": p.Nickname,
	}
	if p.Accuracy != nil {
		input["accuracy"] = *p.Accuracy
	}

	var out struct {
		CreatePoint TrackPoint `json:"createPoint"`
	}
	if err := c.do(ctx, createPointMutation, map[string]any{"input": input}, &out); err != nil {
		return TrackPoint{}, err
	}
	return out.CreatePoint, nil
}

const pointsByTimeRangeQuery = `query PointsByTimeRange($start: AWSDateTime!, $end: AWSDateTime!, $limit: Int, $nextToken: String) {
  pointsByTimeRange(start: $start, end: $end, limit: $limit, nextToken: $nextToken) {
    items { trackId pointId ts lat lng accuracy nickname }
    nextToken
  }
}`

// PointsPage fetches one page of points created in [start, end]. The backend
// caps the page size; nextToken is empty on the last page.
func (c *Client) PointsPage(ctx context.Context, start, end time.Time, limit int, nextToken string) ([]TrackPoint, string, error) {
	if limit <= 0 || limit > c.pageSize {
		limit = c.pageSize
	}
	vars := map[string]any{
		"start": start.UTC().Format(time.RFC3339Nano),
		"end":   end.UTC().Format(time.RFC3339Nano),
		"limit": limit,
	}
	if nextToken != "" {
		vars["nextToken"] = nextToken
	}

	var out struct {
		PointsByTimeRange struct {
			Items     []TrackPoint `json:"items"`
			NextToken *string      `json:"nextToken"`
		} `json:"pointsByTimeRange"`
	}
	if err := c.do(ctx, pointsByTimeRangeQuery, vars, &out); err != nil {
		return nil, "", err
	}

	next := ""
	if out.PointsByTimeRange.NextToken != nil {
		next = *out.PointsByTimeRange.NextToken
	}
	return out.PointsByTimeRange.Items, next, nil
}

// PointsByTimeRange pages internally until max points are collected or the
// backend runs out of pages. max <= 0 means no cap.
func (c *Client) PointsByTimeRange(ctx context.Context, start, end time.Time, max int) ([]TrackPoint, error) {
	var all []TrackPoint
	token := ""
	for {
		limit := c.pageSize
		if max > 0 && max-len(all) < limit {
			limit = max - len(all)
		}

		items, next, err := c.PointsPage(ctx, start, end, limit, token)
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
	return all, nil
}
