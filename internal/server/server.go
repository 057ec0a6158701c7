package server

import (
	"trackshare-client/internal/config"
	"trackshare-client/internal/history"
	"trackshare-client/internal/poller"
	"trackshare-client/internal/recorder"
	"trackshare-client/internal/stream"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
)

// Server is the local HTTP surface the map shell talks to: it feeds
// geolocation samples and connectivity transitions in, and reads live and
// historical track state out.
type Server struct {
	App      *fiber.App
	Cfg      config.Config
	Recorder *recorder.Recorder
	Feed     *recorder.Feed
	Poller   *poller.Poller
	History  *history.Service
	Hub      *stream.Hub
}

func NewServer(cfg config.Config, rec *recorder.Recorder, feed *recorder.Feed, pol *poller.Poller, hist *history.Service, hub *stream.Hub) *Server {
	app := fiber.New()
	app.Use(recover.New())
	app.Use(logger.New())

	s := &Server{
		App:      app,
		Cfg:      cfg,
		Recorder: rec,
		Feed:     feed,
		Poller:   pol,
		History:  hist,
		Hub:      hub,
	}

	registerRoutes(s)
	return s
}

func registerRoutes(s *Server) {
	s.App.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	registerSessionRoutes(s.App.Group("/session"), s)
	registerWatchRoutes(s.App.Group("/watch"), s)
	registerTrackRoutes(s.App.Group("/tracks"), s)
	s.App.Post("/location", s.handleLocation)
	s.App.Post("/connectivity", s.handleConnectivity)
	stream.RegisterRoutes(s.App.Group("/stream"), s.Hub)
}
