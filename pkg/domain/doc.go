// Package domain holds the core types of the observation calculation cache:
// cache record states, claim tokens, retry policies and change events.
//
// Types here are shared between the persistent stores (pkg/domain/*/db),
// the background loops (cmd/loops) and the API server (cmd/odbd).
package domain
