package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"trackshare-client/internal/api"
	"trackshare-client/internal/config"
	"trackshare-client/internal/db"
	"trackshare-client/internal/device"
	"trackshare-client/internal/history"
	"trackshare-client/internal/poller"
	"trackshare-client/internal/recorder"
	"trackshare-client/internal/server"
	"trackshare-client/internal/stream"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var mainDepsProvider = defaultDeps
var mainRunner = realMain

func main() {
	mainRunner(mainDepsProvider())
}

type mainDeps struct {
	loadConfig   func() config.Config
	deviceID     func(string) (string, error)
	connectRedis func(config.Config) *redis.Client
	notify       func(chan<- os.Signal, ...os.Signal)
	run          func(context.Context, config.Config, string, *redis.Client, <-chan os.Signal, ListenFunc) error
}

func defaultDeps() mainDeps {
	return mainDeps{
		loadConfig:   config.Load,
		deviceID:     device.ID,
		connectRedis: db.ConnectRedis,
		notify:       signal.Notify,
		run:          Run,
	}
}

func realMain(deps mainDeps) {
	cfg := deps.loadConfig()

	deviceID, err := deps.deviceID(cfg.DeviceIDFile)
	if err != nil {
		log.Printf("device id resolution failed: %v", err)
		deviceID = uuid.NewString()
	}

	rdb := deps.connectRedis(cfg)

	signals := make(chan os.Signal, 1)
	deps.notify(signals, syscall.SIGINT, syscall.SIGTERM)

	if err := deps.run(context.Background(), cfg, deviceID, rdb, signals, nil); err != nil {
		log.Printf("tracker exited with error: %v", err)
	}
}

type ListenFunc func(app *fiber.App, addr string) error

var defaultListen ListenFunc = func(app *fiber.App, addr string) error {
	return app.Listen(addr)
}

var shutdownFn = func(app *fiber.App, ctx context.Context) error {
	return app.ShutdownWithContext(ctx)
}

// createSessionFn is the one remote call made before the server is up.
var createSessionFn = func(ctx context.Context, client *api.Client, s api.Session) (api.Session, error) {
	return client.CreateSession(ctx, s)
}

// Run creates the session, wires the recorder, poller, hub and local server
// together, and blocks until a termination signal. Shutdown ends the session
// (final flush included) before the HTTP server stops.
func Run(ctx context.Context, cfg config.Config, deviceID string, rdb *redis.Client, signals <-chan os.Signal, listen ListenFunc) error {
	creds := api.NewCredentialProvider(cfg)
	client := api.NewClient(cfg, creds)

	startCtx, cancelStart := context.WithTimeout(ctx, 15*time.Second)
	session, err := createSessionFn(startCtx, client, api.Session{
		ID:        uuid.NewString(),
		Nickname:  cfg.Nickname,
		DeviceID:  deviceID,
		StartedAt: time.Now(),
	})
	cancelStart()
	if err != nil {
		return err
	}

	hub := stream.NewHub(rdb)

	pol := poller.New(client, poller.Options{
		Window:         cfg.PollWindow(),
		Interval:       cfg.PollIntervalSlow(),
		ExcludeTrackID: session.ID,
		OnError:        func(err error) { log.Printf("poll failed, retrying next tick: %v", err) },
		OnUpdate:       hub.BroadcastTracks,
	})

	rec := recorder.New(client, session, recorder.Options{
		FlushIntervalFast: cfg.FlushIntervalFast(),
		FlushIntervalSlow: cfg.FlushIntervalSlow(),
		MinDistanceM:      float64(cfg.MinDistanceM),
		MinInterval:       cfg.MinInterval(),
		RecordAll:         cfg.RecordAll,
		OnError:           func(err error) { log.Printf("recorder: %v", err) },
		OnPoint:           hub.BroadcastPoint,
		OnMovementChange: func(m recorder.MovementState) {
			if m == recorder.MovementFast {
				pol.SetInterval(cfg.PollIntervalFast())
			} else {
				pol.SetInterval(cfg.PollIntervalSlow())
			}
		},
	})

	feed := recorder.NewFeed()
	srv := server.NewServer(cfg, rec, feed, pol, history.NewService(client), hub)

	pollCtx, stopPolling := context.WithCancel(ctx)
	defer stopPolling()
	go pol.Run(pollCtx)

	if listen == nil {
		listen = defaultListen
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- listen(srv.App, cfg.ServerPort)
	}()

	select {
	case <-signals:
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	stopPolling()

	endCtx, cancelEnd := context.WithTimeout(context.Background(), 10*time.Second)
	if _, err := rec.End(endCtx); err != nil {
		log.Printf("session end failed: %v", err)
	}
	cancelEnd()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()

	if err := shutdownFn(srv.App, shutdownCtx); err != nil {
		return err
	}
	if rdb != nil {
		_ = rdb.Close()
	}
	return nil
}
