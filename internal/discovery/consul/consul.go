// Package consul implements discovery.Registry against a real Consul agent.
package consul

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	consulapi "github.com/hashicorp/consul/api"
	"github.com/icering/coordination/internal/discovery"
)

type Registry struct {
	client *consulapi.Client
}

// NewRegistry dials a Consul agent at addr. Returns (nil, nil) if addr is
// empty, meaning Consul is disabled. The methods of a nil *Registry are not
// no-ops: they dereference the client.
func NewRegistry(addr string) (*Registry, error) {
	if addr == "" {
		return nil, nil
	}
	cfg := consulapi.DefaultConfig()
	cfg.Address = addr
	client, err := consulapi.NewClient(cfg)
	if err != nil {
		return nil, err
	}
	return &Registry{client: client}, nil
}

func (r *Registry) Register(ctx context.Context, instanceID, serviceName, hostPort string) error {
	parts := strings.Split(hostPort, ":")
	if len(parts) != 2 {
		return fmt.Errorf("invalid hostPort %q", hostPort)
	}
	port, err := strconv.Atoi(parts[1])
	if err != nil {
		return err
	}
	return r.client.Agent().ServiceRegister(&consulapi.AgentServiceRegistration{
		ID:      instanceID,
		Name:    serviceName,
		Address: parts[0],
		Port:    port,
		Check: &consulapi.AgentServiceCheck{
			CheckID:                        instanceID,
			TLSSkipVerify:                  true,
			TTL:                            "5s",
			DeregisterCriticalServiceAfter: "10s",
		},
	})
}

func (r *Registry) Deregister(ctx context.Context, instanceID, serviceName string) error {
	return r.client.Agent().ServiceDeregister(instanceID)
}

func (r *Registry) HealthCheck(instanceID, serviceName string) error {
	return r.client.Agent().UpdateTTL(instanceID, "online", consulapi.HealthPassing)
}

var _ discovery.Registry = (*Registry)(nil)
