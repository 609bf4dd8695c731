package notify

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type countingRebuilder struct {
	calls atomic.Int32
	err   error
}

func (c *countingRebuilder) Rebuild(ctx context.Context) error {
	c.calls.Add(1)
	return c.err
}

func startNotifier(t *testing.T, ctx context.Context, mr *miniredis.Miniredis, target Rebuilder) *Notifier {
	t.Helper()
	client := NewClient(mr.Addr(), "", 0)
	t.Cleanup(func() { client.Close() })

	n := New(client, "redirector:index", zaptest.NewLogger(t).Sugar())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx, target) }()
	t.Cleanup(func() {
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("Run did not return after cancellation")
		}
	})

	select {
	case <-n.Ready():
	case err := <-done:
		t.Fatalf("Run exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("subscription not ready")
	}
	return n
}

func TestNotifier_RemoteInvalidationTriggersRebuild(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var local, remote countingRebuilder
	a := startNotifier(t, ctx, mr, &local)
	b := startNotifier(t, ctx, mr, &remote)
	require.NotEqual(t, a.Instance(), b.Instance())

	require.NoError(t, a.Invalidated(ctx, 7))

	assert.Eventually(t, func() bool { return remote.calls.Load() == 1 },
		2*time.Second, 10*time.Millisecond, "other instance rebuilds")
	assert.Never(t, func() bool { return local.calls.Load() != 0 },
		200*time.Millisecond, 10*time.Millisecond, "publisher ignores its own message")
}

func TestNotifier_IgnoresMalformedPayload(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var target countingRebuilder
	startNotifier(t, ctx, mr, &target)

	mr.Publish("redirector:index", "not json")
	mr.Publish("redirector:index", `{"instance":"elsewhere","version":3}`)

	assert.Eventually(t, func() bool { return target.calls.Load() == 1 },
		2*time.Second, 10*time.Millisecond)
}

func TestNotifier_RebuildFailureKeepsListening(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	target := &countingRebuilder{err: errors.New("store unavailable")}
	startNotifier(t, ctx, mr, target)

	mr.Publish("redirector:index", `{"instance":"elsewhere","version":1}`)
	mr.Publish("redirector:index", `{"instance":"elsewhere","version":2}`)

	assert.Eventually(t, func() bool { return target.calls.Load() == 2 },
		2*time.Second, 10*time.Millisecond)
}

func TestNotifier_PublishFailsWhenRedisDown(t *testing.T) {
	mr := miniredis.RunT(t)
	client := NewClient(mr.Addr(), "", 0)
	defer client.Close()

	n := New(client, "redirector:index", nil)
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.Error(t, n.Invalidated(ctx, 1))
}
