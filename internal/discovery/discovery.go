// Package discovery registers a process with Consul purely for operational
// health visibility. It is never used to resolve peer addresses: the ring
// and screen-to-robot/gateway topology is fixed at boot (spec Non-goals).
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Registry is the minimal health-registration contract a backend must
// satisfy.
type Registry interface {
	Register(ctx context.Context, instanceID, serviceName, hostPort string) error
	Deregister(ctx context.Context, instanceID, serviceName string) error
	HealthCheck(instanceID, serviceName string) error
}

// Registration runs a background TTL health-check ticker against registry
// until Deregister is called.
type Registration struct {
	registry    Registry
	instanceID  string
	serviceName string
	stop        chan struct{}
	logger      *slog.Logger
}

// Register registers instanceID/serviceName at hostPort and starts the
// health-check ticker. If registry is nil (Consul disabled), it returns a
// no-op Registration.
func Register(ctx context.Context, registry Registry, instanceID, serviceName, hostPort string, logger *slog.Logger) (*Registration, error) {
	if registry == nil {
		return &Registration{logger: logger}, nil
	}
	if err := registry.Register(ctx, instanceID, serviceName, hostPort); err != nil {
		return nil, fmt.Errorf("register %s: %w", serviceName, err)
	}
	r := &Registration{
		registry:    registry,
		instanceID:  instanceID,
		serviceName: serviceName,
		stop:        make(chan struct{}),
		logger:      logger,
	}
	go r.tick()
	return r, nil
}

func (r *Registration) tick() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			if err := r.registry.HealthCheck(r.instanceID, r.serviceName); err != nil {
				r.logger.Warn("consul health check failed", slog.Any("error", err))
			}
		}
	}
}

// Deregister stops the ticker and deregisters the instance.
func (r *Registration) Deregister(ctx context.Context) error {
	if r.registry == nil {
		return nil
	}
	close(r.stop)
	return r.registry.Deregister(ctx, r.instanceID, r.serviceName)
}
