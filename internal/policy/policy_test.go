package policy_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/teranos/syncd/internal/policy"
)

func TestDecideSelectsLongestPrefix(t *testing.T) {
	e := policy.NewEngine([]policy.Rule{
		{Prefix: "/mnt/nfs", AbsentRetryCount: 1, RetryDelaySeconds: 60},
		{Prefix: "/mnt/nfs/movies", AbsentRetryCount: 2, RetryDelaySeconds: 600},
	})

	d := e.Decide("/mnt/nfs/movies/x.mkv")
	assert.Equal(t, 2, d.MaxAttempts)
	assert.Equal(t, 600, d.DelaySeconds)
}

func TestDecideFallsBackToShorterPrefix(t *testing.T) {
	e := policy.NewEngine([]policy.Rule{
		{Prefix: "/mnt/nfs", AbsentRetryCount: 1, RetryDelaySeconds: 60},
		{Prefix: "/mnt/nfs/movies", AbsentRetryCount: 2, RetryDelaySeconds: 600},
	})

	d := e.Decide("/mnt/nfs/shows/y.mkv")
	assert.Equal(t, 1, d.MaxAttempts)
	assert.Equal(t, 60, d.DelaySeconds)
}

func TestDecideNoMatchFailsImmediately(t *testing.T) {
	e := policy.NewEngine([]policy.Rule{
		{Prefix: "/mnt/nfs", AbsentRetryCount: 1, RetryDelaySeconds: 60},
	})

	d := e.Decide("/srv/media/x.mkv")
	assert.Equal(t, 0, d.MaxAttempts)
	assert.Equal(t, 0, d.DelaySeconds)
}

func TestDecideUnboundedRetries(t *testing.T) {
	e := policy.NewEngine([]policy.Rule{
		{Prefix: "/mnt", AbsentRetryCount: -1, RetryDelaySeconds: 30},
	})

	d := e.Decide("/mnt/x.mkv")
	assert.Equal(t, -1, d.MaxAttempts)
}
