package debounce_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/teranos/syncd/internal/debounce"
)

func TestObserveFirstCallStartsWindow(t *testing.T) {
	b := debounce.New(30 * time.Second)
	key := debounce.Key{SourceNode: "wan", SourceUser: "alice", ItemKey: "/mnt/x.mkv", TargetNode: "lan"}

	assert.False(t, b.Observe(key, 1000))
}

func TestObserveSecondCallWithinWindow(t *testing.T) {
	b := debounce.New(30 * time.Second)
	key := debounce.Key{SourceNode: "wan", SourceUser: "alice", ItemKey: "/mnt/x.mkv", TargetNode: "lan"}

	b.Observe(key, 1000)
	assert.True(t, b.Observe(key, 2000))
}

func TestObserveAfterWindowExpiryStartsFresh(t *testing.T) {
	b := debounce.New(time.Millisecond)
	key := debounce.Key{SourceNode: "wan", SourceUser: "alice", ItemKey: "/mnt/x.mkv", TargetNode: "lan"}

	b.Observe(key, 1000)
	time.Sleep(5 * time.Millisecond)
	assert.False(t, b.Observe(key, 2000))
}

func TestReset(t *testing.T) {
	b := debounce.New(30 * time.Second)
	key := debounce.Key{SourceNode: "wan", SourceUser: "alice", ItemKey: "/mnt/x.mkv", TargetNode: "lan"}

	b.Observe(key, 1000)
	b.Reset(key)
	assert.False(t, b.Observe(key, 2000))
}
