package contracts

import "fmt"

// Well-known topics used by the service registry and gateway. Topic matching
// is exact string equality; there is no wildcard routing.
const (
	TopicServiceRegister   = "service.register"
	TopicServiceRegistered = "service.registered"
	TopicServiceShutdown   = "service.shutdown"
	TopicHealthCheck       = "service.health.check"
	TopicHealthCheckAll    = "service.health.check.all"
	TopicHealthStatus      = "service.health.status"
	TopicGatewayRoute      = "gateway.route.message"
)

// ServiceTopic namespaces a topic suffix under a service name, e.g.
// ServiceTopic("doc-service", "ready") -> "doc-service.ready".
func ServiceTopic(service, suffix string) string {
	return fmt.Sprintf("%s.%s", service, suffix)
}

// ReplyTopic derives the reply channel for a correlated request
func ReplyTopic(requestID string) string {
	return fmt.Sprintf("reply.%s", requestID)
}
