package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/glimte/svcbus-go/contracts"
	"github.com/glimte/svcbus-go/messaging"
)

// RegistryService is the service name the registry publishes under
const RegistryService = "service-registry"

// ServiceRegistry tracks which services have announced themselves on the
// bus and answers health inquiries about them. It subscribes to the
// well-known service.* topics and keeps an in-memory table; nothing is
// persisted.
type ServiceRegistry struct {
	comm   *messaging.Communicator
	logger *slog.Logger

	mu       sync.RWMutex
	services map[string]contracts.ServiceStatus

	subs         []*messaging.Subscription
	checkTimeout time.Duration
	now          func() time.Time
}

// RegistryOption configures the ServiceRegistry
type RegistryOption func(*ServiceRegistry)

// WithRegistryLogger sets the logger
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *ServiceRegistry) {
		r.logger = logger
	}
}

// WithCheckTimeout overrides the per-service health check deadline
func WithCheckTimeout(timeout time.Duration) RegistryOption {
	return func(r *ServiceRegistry) {
		if timeout > 0 {
			r.checkTimeout = timeout
		}
	}
}

// NewServiceRegistry creates a registry bound to the broker and subscribes
// it to the service lifecycle topics. Call Close to remove the
// subscriptions.
func NewServiceRegistry(broker *messaging.Broker, options ...RegistryOption) (*ServiceRegistry, error) {
	comm, err := messaging.NewCommunicator(broker, RegistryService)
	if err != nil {
		return nil, err
	}

	r := &ServiceRegistry{
		comm:         comm,
		logger:       slog.Default(),
		services:     make(map[string]contracts.ServiceStatus),
		checkTimeout: messaging.DefaultRequestTimeout,
		now:          time.Now,
	}

	for _, opt := range options {
		opt(r)
	}

	for topic, handler := range map[string]messaging.Handler{
		contracts.TopicServiceRegister: r.onRegister,
		contracts.TopicServiceShutdown: r.onShutdown,
		contracts.TopicHealthStatus:    r.onHealthStatus,
		contracts.TopicHealthCheckAll:  r.onCheckAll,
	} {
		sub, err := comm.Subscribe(topic, handler)
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("subscribe registry to %s: %w", topic, err)
		}
		r.subs = append(r.subs, sub)
	}

	return r, nil
}

// Close removes the registry's subscriptions. The service table remains
// readable afterwards.
func (r *ServiceRegistry) Close() {
	for _, sub := range r.subs {
		sub.Unsubscribe()
	}
	r.subs = nil
}

// Snapshot returns the known services sorted by name
func (r *ServiceRegistry) Snapshot() []contracts.ServiceStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]contracts.ServiceStatus, 0, len(r.services))
	for _, status := range r.services {
		out = append(out, status)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Service < out[j].Service })
	return out
}

// Lookup returns the status of one service
func (r *ServiceRegistry) Lookup(service string) (contracts.ServiceStatus, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	status, ok := r.services[service]
	return status, ok
}

// CheckHealth asks one service for its health and records the answer. The
// inquiry races the registry's check timeout; expiry marks the service
// unhealthy.
func (r *ServiceRegistry) CheckHealth(ctx context.Context, service string) (contracts.HealthStatus, error) {
	reply, err := r.comm.Request(ctx, contracts.TopicHealthCheck,
		contracts.HealthCheckRequest{Service: service},
		messaging.WithRequestTimeout(r.checkTimeout),
		messaging.WithRequestPublishOptions(messaging.WithPriority(contracts.PriorityHigh)),
	)
	if err != nil {
		r.setHealth(service, false)
		return contracts.HealthStatus{Service: service, Healthy: false}, err
	}

	status, err := contracts.DecodePayload[contracts.HealthStatus](reply)
	if err != nil {
		r.setHealth(service, false)
		return contracts.HealthStatus{Service: service, Healthy: false}, err
	}

	r.setHealth(service, status.Healthy)
	return status, nil
}

// CheckAll health-checks every known service sequentially and returns the
// collected statuses.
func (r *ServiceRegistry) CheckAll(ctx context.Context) []contracts.HealthStatus {
	var results []contracts.HealthStatus
	for _, known := range r.Snapshot() {
		status, err := r.CheckHealth(ctx, known.Service)
		if err != nil {
			r.logger.Warn("health check failed", "service", known.Service, "error", err)
		}
		results = append(results, status)
	}
	return results
}

func (r *ServiceRegistry) onRegister(ctx context.Context, env *contracts.Envelope) error {
	reg, err := contracts.DecodePayload[contracts.ServiceRegistration](env)
	if err != nil {
		return err
	}
	if reg.Service == "" {
		return fmt.Errorf("registration from %s names no service", env.Source)
	}

	now := r.now().UTC()
	r.mu.Lock()
	status, known := r.services[reg.Service]
	if !known {
		status = contracts.ServiceStatus{Service: reg.Service, RegisteredAt: now}
	}
	status.Healthy = true
	status.LastSeen = now
	r.services[reg.Service] = status
	r.mu.Unlock()

	r.logger.Info("service registered", "service", reg.Service, "version", reg.Version)

	_, err = r.comm.Publish(ctx, contracts.TopicServiceRegistered, status,
		messaging.WithPriority(contracts.PriorityHigh))
	return err
}

func (r *ServiceRegistry) onShutdown(ctx context.Context, env *contracts.Envelope) error {
	reg, err := contracts.DecodePayload[contracts.ServiceRegistration](env)
	if err != nil {
		return err
	}
	service := reg.Service
	if service == "" {
		service = env.Source
	}

	r.mu.Lock()
	delete(r.services, service)
	r.mu.Unlock()

	r.logger.Info("service withdrew", "service", service)
	return nil
}

func (r *ServiceRegistry) onHealthStatus(ctx context.Context, env *contracts.Envelope) error {
	status, err := contracts.DecodePayload[contracts.HealthStatus](env)
	if err != nil {
		return err
	}
	if status.Service == "" {
		return fmt.Errorf("health status from %s names no service", env.Source)
	}
	r.setHealth(status.Service, status.Healthy)
	return nil
}

// onCheckAll fans out health checks without blocking the delivery loop;
// results land in the table as replies arrive.
func (r *ServiceRegistry) onCheckAll(ctx context.Context, env *contracts.Envelope) error {
	go r.CheckAll(context.WithoutCancel(ctx))
	return nil
}

func (r *ServiceRegistry) setHealth(service string, healthy bool) {
	now := r.now().UTC()
	r.mu.Lock()
	defer r.mu.Unlock()

	status, known := r.services[service]
	if !known {
		status = contracts.ServiceStatus{Service: service, RegisteredAt: now}
	}
	status.Healthy = healthy
	if healthy {
		status.LastSeen = now
	}
	r.services[service] = status
}
