// Command svcbus-demo wires a registry, a gateway, and two worker services
// onto one bus and walks them through registration, a routed message, and a
// health sweep.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	svcbus "github.com/glimte/svcbus-go"
	"github.com/glimte/svcbus-go/config"
	"github.com/glimte/svcbus-go/contracts"
	"github.com/glimte/svcbus-go/messaging"
	"github.com/glimte/svcbus-go/registry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "svcbus-demo:", err)
		os.Exit(1)
	}
}

func run() error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	client, err := svcbus.NewClient(cfg, svcbus.WithClientLogger(logger))
	if err != nil {
		return err
	}

	ctx := context.Background()
	if err := client.Start(ctx); err != nil {
		return err
	}
	defer client.Close()

	reg, err := registry.NewServiceRegistry(client.Broker(), registry.WithRegistryLogger(logger))
	if err != nil {
		return err
	}
	defer reg.Close()

	// The gateway forwards gateway.route.message payloads to their target.
	gateway, err := client.Communicator("gateway")
	if err != nil {
		return err
	}
	_, err = gateway.Subscribe(contracts.TopicGatewayRoute, func(ctx context.Context, env *contracts.Envelope) error {
		route, derr := contracts.DecodePayload[contracts.RouteRequest](env)
		if derr != nil {
			return derr
		}
		_, perr := gateway.SendToService(ctx, route.Target, route.Topic, route.Payload,
			messaging.WithPriority(env.Priority))
		return perr
	})
	if err != nil {
		return err
	}

	docService, err := startWorker(client, "doc-service")
	if err != nil {
		return err
	}
	scraper, err := startWorker(client, "scraper-service")
	if err != nil {
		return err
	}

	// Scraper reports progress; doc-service imports what the gateway routes
	// to it.
	imported := make(chan string, 1)
	_, err = docService.Subscribe("doc-service.import", func(ctx context.Context, env *contracts.Envelope) error {
		imported <- string(env.Payload)
		return nil
	})
	if err != nil {
		return err
	}

	payload, err := contracts.EncodePayload(map[string]string{"document": "freezone-guide.pdf"})
	if err != nil {
		return err
	}
	if _, err := scraper.Publish(ctx, contracts.TopicGatewayRoute, contracts.RouteRequest{
		Target:  "doc-service",
		Topic:   "import",
		Payload: payload,
	}, messaging.WithPriority(contracts.PriorityHigh)); err != nil {
		return err
	}

	select {
	case doc := <-imported:
		logger.Info("document routed", "payload", doc)
	case <-time.After(5 * time.Second):
		return fmt.Errorf("routed document never arrived")
	}

	for _, status := range reg.CheckAll(ctx) {
		logger.Info("health", "service", status.Service, "healthy", status.Healthy)
	}

	stats := client.Stats()
	logger.Info("bus totals",
		"published", stats.Published,
		"delivered", stats.Delivered,
		"requeued", stats.Requeued,
		"dropped", stats.Dropped,
	)
	return nil
}

func startWorker(client *svcbus.Client, name string) (*messaging.Communicator, error) {
	comm, err := client.Communicator(name)
	if err != nil {
		return nil, err
	}
	if err := registry.Announce(context.Background(), comm, "demo"); err != nil {
		return nil, err
	}
	if _, err := registry.RespondToHealthChecks(comm, nil); err != nil {
		return nil, err
	}
	return comm, nil
}
