// Command driversim drives a fake device over the location channel: it
// wanders around a start point, reports fixes through the emitter and logs
// whatever the server pushes back.
package main

import (
	"context"
	"flag"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/driverclient"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
)

func main() {
	var (
		url      = flag.String("url", "ws://localhost:8080/ws", "channel endpoint")
		driverID = flag.String("driver", "driver-sim-1", "driver id (token subject)")
		secret   = flag.String("secret", os.Getenv("JWT_SECRET"), "HS256 secret used to mint the token")
		issuer   = flag.String("issuer", "ride-dispatch", "token issuer")
		lat      = flag.Float64("lat", 31.0, "start latitude")
		lon      = flag.Float64("lon", 30.0, "start longitude")
		every    = flag.Duration("every", time.Second, "GPS fix interval")
		level    = flag.String("log-level", "info", "log level")
	)
	flag.Parse()
	logger := logging.NewLogger(*level)

	token, err := auth.NewVerifier(*secret, *issuer, 24*time.Hour).Issue(*driverID, auth.RoleDriver)
	if err != nil {
		logger.Error("mint token", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	transport := driverclient.NewWSTransport(*url, token, logger)
	emitter := driverclient.NewEmitter(transport, driverclient.DefaultConfig(), logger)
	transport.OnConnect = func() {
		go func() {
			if err := emitter.Flush(ctx); err != nil {
				logger.Info("flush after reconnect failed", "error", err)
			}
		}()
	}

	go transport.Run(ctx)
	go emitter.Run(ctx)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case f := <-transport.Events:
				logger.Info("server event", "type", f.Type, "data", string(f.Data))
			}
		}
	}()

	pos := models.Coord{Lat: *lat, Lon: *lon}
	ticker := time.NewTicker(*every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("stopping", "pending", emitter.Pending().Len())
			return
		case now := <-ticker.C:
			// ~10 m random walk per fix
			pos.Lat += (rand.Float64() - 0.5) * 0.0002
			pos.Lon += (rand.Float64() - 0.5) * 0.0002
			emitter.Report(ctx, models.LocationSample{Lat: pos.Lat, Lon: pos.Lon, Timestamp: now})
		}
	}
}
