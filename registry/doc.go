// Package registry provides the service registry that listens on the
// service.* lifecycle topics, plus the participant helpers services use to
// announce themselves and answer health checks.
package registry
