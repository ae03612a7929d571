// Command screen runs one point-of-sale screen. Usage: screen <id> <orders-file.jsonl>
package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/icering/coordination/internal/config"
	"github.com/icering/coordination/internal/discovery"
	"github.com/icering/coordination/internal/discovery/consul"
	"github.com/icering/coordination/internal/logging"
	"github.com/icering/coordination/internal/screensvc"
	"github.com/icering/coordination/internal/telemetry"
)

func main() {
	_ = godotenv.Load()

	if len(os.Args) != 3 {
		fmt.Fprintln(os.Stderr, "usage: screen <id> <orders-file.jsonl>")
		os.Exit(1)
	}
	id, err := strconv.Atoi(os.Args[1])
	if err != nil || id < 0 || id > 255 {
		fmt.Fprintln(os.Stderr, "id must be an integer in [0, 255]")
		os.Exit(1)
	}
	if filepath.Ext(os.Args[2]) != ".jsonl" {
		fmt.Fprintln(os.Stderr, "orders file must have a .jsonl extension")
		os.Exit(1)
	}
	ordersPath := filepath.Join(config.GetEnv("ORDERS_DIR", "orders"), os.Args[2])

	log := logging.New("screen", strconv.Itoa(id))

	source, err := screensvc.OpenOrders(ordersPath)
	if err != nil {
		log.Error("failed to open orders file", slog.String("path", ordersPath), slog.Any("error", err))
		os.Exit(1)
	}
	defer source.Close()

	shutdownTracer, err := telemetry.InitTracer("screen", log)
	if err != nil {
		log.Error("failed to initialise tracer", slog.Any("error", err))
		os.Exit(1)
	}
	defer shutdownTracer()

	metrics := telemetry.NewCoordinationMetrics("screen")

	adminAddr := config.AdminAddr(fmt.Sprintf("%s:%d", config.RobotHost, 40000+id))
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

	instanceID := "screen-" + strconv.Itoa(id)
	registration, err := discovery.Register(ctx, registry, instanceID, "screen", adminAddr, log)
	if err != nil {
		log.Warn("service registration failed", slog.Any("error", err))
	}
	if registration != nil {
		defer registration.Deregister(context.Background())
	}

	scr := screensvc.New(uint8(id), source, metrics, log)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info("received shutdown signal")
		cancel()
	}()

	go listenForQuit(cancel, log)

	log.Info("screen ready to receive orders", slog.Int("id", id), slog.String("orders_path", ordersPath))
	if err := scr.Run(ctx); err != nil {
		log.Error("screen exited with error", slog.Any("error", err))
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
