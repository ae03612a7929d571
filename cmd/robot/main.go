// Command robot runs one ring participant. Usage: robot <id>
package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/icering/coordination/internal/config"
	"github.com/icering/coordination/internal/discovery"
	"github.com/icering/coordination/internal/discovery/consul"
	"github.com/icering/coordination/internal/logging"
	"github.com/icering/coordination/internal/robotsvc"
	"github.com/icering/coordination/internal/telemetry"
)

func main() {
	_ = godotenv.Load()

	if len(os.Args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: robot <id>")
		os.Exit(1)
	}
	id, err := strconv.Atoi(os.Args[1])
	if err != nil || id < 0 || id >= config.RobotCount {
		fmt.Fprintf(os.Stderr, "id must be an integer in [0, %d)\n", config.RobotCount)
		os.Exit(1)
	}

	log := logging.New("robot", strconv.Itoa(id))

	shutdownTracer, err := telemetry.InitTracer("robot", log)
	if err != nil {
		log.Error("failed to initialise tracer", slog.Any("error", err))
		os.Exit(1)
	}
	defer shutdownTracer()

	metrics := telemetry.NewCoordinationMetrics("robot")

	listenAddr := config.RobotAddr(id)
	adminAddr := config.AdminAddr(listenAddr)

	mux := http.NewServeMux()
	telemetry.RegisterHandlers(mux)
	go func() {
		if err := http.ListenAndServe(adminAddr, mux); err != nil {
			log.Warn("admin http server stopped", slog.Any("error", err))
		}
	}()

	var registry discovery.Registry
	consulRegistry, err := consul.NewRegistry(config.GetEnv("CONSUL_ADDR", ""))
	if err != nil {
		log.Warn("consul unavailable, continuing without service discovery", slog.Any("error", err))
	} else if consulRegistry != nil {
		registry = consulRegistry
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	instanceID := "robot-" + strconv.Itoa(id)
	registration, err := discovery.Register(ctx, registry, instanceID, "robot", listenAddr, log)
	if err != nil {
		log.Warn("service registration failed", slog.Any("error", err))
	}
	if registration != nil {
		defer registration.Deregister(context.Background())
	}

	cache, err := robotsvc.NewFlavourCache(config.GetEnv("REDIS_ADDR", ""), id, log)
	if err != nil {
		log.Warn("redis unavailable, flavour mirroring disabled", slog.Any("error", err))
	}

	r := robotsvc.New(id, config.RobotCount, config.ScreenCount, listenAddr, cache, metrics, log)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info("received shutdown signal")
		cancel()
	}()

	go listenForQuit(cancel, log)

	log.Info("robot starting", slog.Int("id", id), slog.String("addr", listenAddr))
	if err := r.Run(ctx); err != nil {
		log.Error("robot exited with error", slog.Any("error", err))
		os.Exit(1)
	}
}

// listenForQuit mirrors the original "press q to quit" convention.
func listenForQuit(cancel context.CancelFunc, log *slog.Logger) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if scanner.Text() == "q" {
			log.Info("quit requested on stdin")
			cancel()
			return
		}
	}
}
