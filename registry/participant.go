package registry

import (
	"context"
	"fmt"

	"github.com/glimte/svcbus-go/contracts"
	"github.com/glimte/svcbus-go/messaging"
)

// HealthFunc reports a service's current health. Returning an error marks
// the service unhealthy with the error text as detail.
type HealthFunc func(ctx context.Context) error

// Announce publishes the service's registration on service.register. Sent
// at high priority so a registry that comes up slightly later still sees it
// within the retry window.
func Announce(ctx context.Context, comm *messaging.Communicator, version string, capabilities ...string) error {
	_, err := comm.Publish(ctx, contracts.TopicServiceRegister,
		contracts.ServiceRegistration{
			Service:      comm.Service(),
			Version:      version,
			Capabilities: capabilities,
		},
		messaging.WithPriority(contracts.PriorityHigh),
	)
	if err != nil {
		return fmt.Errorf("announce %s: %w", comm.Service(), err)
	}
	return nil
}

// Withdraw publishes the service's shutdown notice at critical priority
func Withdraw(ctx context.Context, comm *messaging.Communicator) error {
	_, err := comm.Publish(ctx, contracts.TopicServiceShutdown,
		contracts.ServiceRegistration{Service: comm.Service()},
		messaging.WithPriority(contracts.PriorityCritical),
	)
	if err != nil {
		return fmt.Errorf("withdraw %s: %w", comm.Service(), err)
	}
	return nil
}

// RespondToHealthChecks subscribes the service to service.health.check and
// answers inquiries addressed to it (or to no one in particular). check may
// be nil, in which case the service always reports healthy.
func RespondToHealthChecks(comm *messaging.Communicator, check HealthFunc) (*messaging.Subscription, error) {
	return comm.Subscribe(contracts.TopicHealthCheck, func(ctx context.Context, env *contracts.Envelope) error {
		req, err := contracts.DecodePayload[contracts.HealthCheckRequest](env)
		if err != nil {
			return err
		}
		if req.Service != "" && req.Service != comm.Service() {
			// Addressed to someone else; its own responder answers.
			return nil
		}

		status := contracts.HealthStatus{Service: comm.Service(), Healthy: true}
		if check != nil {
			if cerr := check(ctx); cerr != nil {
				status.Healthy = false
				status.Detail = cerr.Error()
			}
		}

		_, err = comm.Respond(ctx, env, status)
		return err
	})
}
