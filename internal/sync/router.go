// Package sync drives repository synchronization: routing between the
// two query protocols, walking pages, and the per-repository state
// machine.
package sync

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/pullsync/pullsync/config"
	"github.com/pullsync/pullsync/internal/api"
)

// Operation is a sync operation type, used to pick a protocol.
type Operation string

const (
	OpHistorical  Operation = "historical"
	OpIncremental Operation = "incremental"
	OpRefresh     Operation = "refresh"
	OpMembers     Operation = "members"
)

// Router decides which protocol serves an operation. Policy, in order:
// an operation not enabled for the batched protocol runs per-resource;
// otherwise batched runs first and, if fallback is enabled, any batched
// failure retries the whole operation per-resource.
type Router struct {
	batched     api.Fetcher
	perResource api.Fetcher
	cfg         config.SyncConfig
	log         *zap.Logger
}

// NewRouter creates a router over the two protocol clients. batched may
// be nil, which disables it regardless of configuration.
func NewRouter(batched, perResource api.Fetcher, cfg config.SyncConfig, log *zap.Logger) *Router {
	return &Router{
		batched:     batched,
		perResource: perResource,
		cfg:         cfg,
		log:         log,
	}
}

func (r *Router) batchedEnabled(op Operation) bool {
	if r.batched == nil || !r.cfg.UseGraphQL {
		return false
	}
	switch op {
	case OpHistorical:
		return r.cfg.GraphQLHistorical
	case OpIncremental:
		return r.cfg.GraphQLIncremental
	case OpRefresh:
		return r.cfg.GraphQLRefresh
	case OpMembers:
		return r.cfg.GraphQLMembers
	}
	return false
}

// Sequence returns the fetchers to try for an operation, in order.
func (r *Router) Sequence(op Operation) []api.Fetcher {
	if !r.batchedEnabled(op) {
		return []api.Fetcher{r.perResource}
	}
	if r.cfg.FallbackToREST {
		return []api.Fetcher{r.batched, r.perResource}
	}
	return []api.Fetcher{r.batched}
}

// shouldFallback reports whether an error from one protocol justifies
// retrying the operation on the other. Auth failures and cancellation
// would fail identically there; a threshold pause must suspend, not
// burn the remaining budget.
func shouldFallback(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if api.IsAuth(err) {
		return false
	}
	var pause *QuotaPauseError
	return !errors.As(err, &pause)
}
