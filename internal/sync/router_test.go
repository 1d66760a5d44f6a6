package sync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/pullsync/pullsync/config"
	"github.com/pullsync/pullsync/internal/api"
)

func names(fetchers []api.Fetcher) []string {
	out := make([]string, len(fetchers))
	for i, f := range fetchers {
		out[i] = f.Name()
	}
	return out
}

func TestRouterSequence(t *testing.T) {
	batched := &fakeFetcher{protocol: "graphql"}
	perResource := &fakeFetcher{protocol: "rest"}

	tests := []struct {
		name string
		cfg  config.SyncConfig
		op   Operation
		want []string
	}{
		{
			name: "batched with fallback",
			cfg:  config.SyncConfig{UseGraphQL: true, GraphQLHistorical: true, FallbackToREST: true},
			op:   OpHistorical,
			want: []string{"graphql", "rest"},
		},
		{
			name: "batched without fallback",
			cfg:  config.SyncConfig{UseGraphQL: true, GraphQLHistorical: true},
			op:   OpHistorical,
			want: []string{"graphql"},
		},
		{
			name: "operation not enabled for batched",
			cfg:  config.SyncConfig{UseGraphQL: true, GraphQLHistorical: true, FallbackToREST: true},
			op:   OpIncremental,
			want: []string{"rest"},
		},
		{
			name: "batched globally off",
			cfg:  config.SyncConfig{GraphQLHistorical: true, FallbackToREST: true},
			op:   OpHistorical,
			want: []string{"rest"},
		},
		{
			name: "members routed independently",
			cfg:  config.SyncConfig{UseGraphQL: true, GraphQLMembers: true},
			op:   OpMembers,
			want: []string{"graphql"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRouter(batched, perResource, tt.cfg, zap.NewNop())
			assert.Equal(t, tt.want, names(r.Sequence(tt.op)))
		})
	}
}

func TestRouterNilBatchedAlwaysPerResource(t *testing.T) {
	cfg := config.SyncConfig{UseGraphQL: true, GraphQLHistorical: true, FallbackToREST: true}
	r := NewRouter(nil, &fakeFetcher{protocol: "rest"}, cfg, zap.NewNop())
	assert.Equal(t, []string{"rest"}, names(r.Sequence(OpHistorical)))
}

func TestShouldFallback(t *testing.T) {
	assert.True(t, shouldFallback(errors.New("transport broke")))
	assert.True(t, shouldFallback(&api.RateLimitError{ResetAt: time.Now()}))

	assert.False(t, shouldFallback(context.Canceled))
	assert.False(t, shouldFallback(context.DeadlineExceeded))
	assert.False(t, shouldFallback(&api.AuthError{Err: errors.New("bad credentials")}))
	assert.False(t, shouldFallback(&QuotaPauseError{Remaining: 40, ResetAt: time.Now()}))
}
