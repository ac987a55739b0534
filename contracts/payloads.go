package contracts

import (
	"encoding/json"
	"fmt"
	"time"
)

// Typed payloads for the well-known topics. The broker treats payloads as
// opaque JSON; these types give subscribers a checked shape to decode into
// instead of probing untyped maps.

// ServiceRegistration announces a service on TopicServiceRegister
type ServiceRegistration struct {
	Service      string   `json:"service"`
	Version      string   `json:"version,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// ServiceStatus is the registry's view of one service, published on
// TopicServiceRegistered and returned from registry snapshots.
type ServiceStatus struct {
	Service      string    `json:"service"`
	Healthy      bool      `json:"healthy"`
	RegisteredAt time.Time `json:"registeredAt"`
	LastSeen     time.Time `json:"lastSeen"`
}

// HealthCheckRequest asks a service to report its health
type HealthCheckRequest struct {
	Service   string `json:"service"`
	RequestID string `json:"requestId"`
}

// HealthStatus is a service's answer to a health check
type HealthStatus struct {
	Service   string `json:"service"`
	Healthy   bool   `json:"healthy"`
	Detail    string `json:"detail,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

// RouteRequest asks the gateway to forward a payload to a target service
type RouteRequest struct {
	Target  string          `json:"target"`
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}

// EncodePayload marshals a typed payload for publishing
func EncodePayload(v any) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return data, nil
}

// DecodePayload unmarshals an envelope payload into a typed value
func DecodePayload[T any](env *Envelope) (T, error) {
	var v T
	if env == nil {
		return v, fmt.Errorf("decode payload: nil envelope")
	}
	if err := json.Unmarshal(env.Payload, &v); err != nil {
		return v, fmt.Errorf("decode payload for topic %s: %w", env.Topic, err)
	}
	return v, nil
}
