package internalerr

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigurationErrorIs(t *testing.T) {
	err := fmt.Errorf("load: %w", Configf("keywords[1].term", "duplicate term %q", "azure"))

	assert.True(t, errors.Is(err, ErrInvalidConfig))
	var cfgErr *ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "keywords[1].term", cfgErr.Field)
	assert.Contains(t, err.Error(), `duplicate term "azure"`)
	assert.False(t, IsRetryable(err))
}

func TestCollaboratorUnavailableUnwrapsBoth(t *testing.T) {
	err := Unavailable("oracle", context.DeadlineExceeded)

	assert.True(t, errors.Is(err, ErrCollaboratorUnavailable))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.True(t, IsRetryable(err))
	assert.Nil(t, Unavailable("oracle", nil))
}

func TestInconsistentClusterStateRetryable(t *testing.T) {
	err := &InconsistentClusterState{Partitions: []string{"url:a", "title:b"}, Attempts: 3}

	assert.True(t, errors.Is(err, ErrInconsistentClusterState))
	assert.True(t, IsRetryable(err))
	assert.Equal(t, "inconsistent cluster state after 3 attempts on url:a,title:b", err.Error())
}

func TestAmbiguousClusterMatch(t *testing.T) {
	err := &AmbiguousClusterMatch{
		Winner:   ClusterCandidate{ClusterID: "c1", Confidence: 0.9},
		RunnerUp: ClusterCandidate{ClusterID: "c2", Confidence: 0.9},
	}
	assert.True(t, errors.Is(err, ErrAmbiguousCluster))
	assert.False(t, IsRetryable(err))
}
