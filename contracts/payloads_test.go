package contracts

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPayloadCodec(t *testing.T) {
	t.Run("round trip through an envelope", func(t *testing.T) {
		payload, err := EncodePayload(ServiceRegistration{Service: "doc-service", Version: "1.2.0"})
		assert.NoError(t, err)

		env := NewEnvelope("doc-service", TopicServiceRegister, payload, PriorityHigh, 0)
		reg, err := DecodePayload[ServiceRegistration](env)
		assert.NoError(t, err)
		assert.Equal(t, "doc-service", reg.Service)
		assert.Equal(t, "1.2.0", reg.Version)
	})

	t.Run("decode reports the topic on malformed payloads", func(t *testing.T) {
		env := NewEnvelope("s", "bad.topic", []byte(`{`), PriorityNormal, 0)
		_, err := DecodePayload[ServiceRegistration](env)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "bad.topic")
	})

	t.Run("decode rejects nil envelope", func(t *testing.T) {
		_, err := DecodePayload[HealthStatus](nil)
		assert.Error(t, err)
	})
}

func TestTopics(t *testing.T) {
	t.Run("ServiceTopic namespaces by service", func(t *testing.T) {
		assert.Equal(t, "doc-service.ready", ServiceTopic("doc-service", "ready"))
	})

	t.Run("ReplyTopic keys by request id", func(t *testing.T) {
		assert.Equal(t, "reply.abc-123", ReplyTopic("abc-123"))
	})
}
