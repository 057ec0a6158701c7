package server

import (
	"time"

	"trackshare-client/internal/history"
	"trackshare-client/internal/recorder"

	"github.com/gofiber/fiber/v2"
)

type locationRequest struct {
	Lat      float64   `json:"lat"`
	Lng      float64   `json:"lng"`
	Accuracy *float64  `json:"accuracy"`
	Speed    *float64  `json:"speed"`
	Ts       time.Time `json:"ts"`
}

func (s *Server) handleLocation(c *fiber.Ctx) error {
	var req locationRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	if req.Lat < -90 || req.Lat > 90 || req.Lng < -180 || req.Lng > 180 {
		return fiber.NewError(fiber.StatusBadRequest, "coordinates out of range")
	}
	if req.Ts.IsZero() {
		req.Ts = time.Now()
	}

	err := s.Feed.Offer(recorder.Sample{
		Lat:       req.Lat,
		Lng:       req.Lng,
		Accuracy:  req.Accuracy,
		Speed:     req.Speed,
		Timestamp: req.Ts,
	})
	if err != nil {
		return fiber.NewError(fiber.StatusConflict, err.Error())
	}
	return c.SendStatus(fiber.StatusAccepted)
}

func (s *Server) handleConnectivity(c *fiber.Ctx) error {
	var req struct {
		Online bool `json:"online"`
	}
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	s.Recorder.SetOnline(req.Online)
	return c.JSON(fiber.Map{"online": req.Online})
}

func registerSessionRoutes(r fiber.Router, s *Server) {
	r.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(s.Recorder.Session())
	})

	r.Post("/end", func(c *fiber.Ctx) error {
		session, err := s.Recorder.End(c.Context())
		if err != nil {
			return fiber.NewError(fiber.StatusBadGateway, err.Error())
		}
		return c.JSON(session)
	})
}

type watchRequest struct {
	TimeoutMs    int  `json:"timeout_ms"`
	MaximumAgeMs int  `json:"maximum_age_ms"`
	HighAccuracy bool `json:"high_accuracy"`
}

func registerWatchRoutes(r fiber.Router, s *Server) {
	r.Post("/start", func(c *fiber.Ctx) error {
		var req watchRequest
		if len(c.Body()) > 0 {
			if err := c.BodyParser(&req); err != nil {
				return fiber.NewError(fiber.StatusBadRequest, err.Error())
			}
		}

		err := s.Recorder.Start(s.Feed, recorder.WatchOptions{
			Timeout:      time.Duration(req.TimeoutMs) * time.Millisecond,
			MaximumAge:   time.Duration(req.MaximumAgeMs) * time.Millisecond,
			HighAccuracy: req.HighAccuracy,
		})
		if err != nil {
			return fiber.NewError(fiber.StatusConflict, err.Error())
		}
		return c.JSON(fiber.Map{"state": s.Recorder.State()})
	})

	r.Post("/stop", func(c *fiber.Ctx) error {
		if err := s.Recorder.Stop(c.Context()); err != nil {
			return fiber.NewError(fiber.StatusBadGateway, err.Error())
		}
		return c.JSON(fiber.Map{"state": s.Recorder.State()})
	})
}

func registerTrackRoutes(r fiber.Router, s *Server) {
	r.Get("/live", func(c *fiber.Ctx) error {
		resp := fiber.Map{
			"self":     s.Recorder.Display(),
			"peers":    s.Poller.Tracks(),
			"movement": s.Recorder.Movement(),
			"pending":  len(s.Recorder.Pending()),
		}
		if !s.Poller.LastFetch().IsZero() {
			resp["last_fetch"] = s.Poller.LastFetch()
		}
		return c.JSON(resp)
	})

	r.Get("/history", func(c *fiber.Ctx) error {
		end := time.Now()
		start := end.Add(-24 * time.Hour)
		var err error
		if v := c.Query("end"); v != "" {
			if end, err = time.Parse(time.RFC3339, v); err != nil {
				return fiber.NewError(fiber.StatusBadRequest, "invalid end")
			}
		}
		if v := c.Query("start"); v != "" {
			if start, err = time.Parse(time.RFC3339, v); err != nil {
				return fiber.NewError(fiber.StatusBadRequest, "invalid start")
			}
		}
		limit := c.QueryInt("limit", 500)

		points, err := s.History.Range(c.Context(), start, end, limit)
		if err != nil {
			return fiber.NewError(fiber.StatusBadGateway, err.Error())
		}
		if nickname := c.Query("nickname"); nickname != "" {
			points = history.FilterNickname(points, nickname)
		}

		return c.JSON(fiber.Map{
			"points": points,
			"counts": history.Counts(points),
		})
	})
}
