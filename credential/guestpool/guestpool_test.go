package guestpool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corvid-labs/feedcache/egress"
	"github.com/corvid-labs/feedcache/ferrors"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testOpts() Options {
	return Options{
		TTL:          time.Hour,
		MaxRequests:  100,
		PoolTarget:   4,
		PoolMin:      1,
		WorkerCount:  2,
		RefillPeriod: 10 * time.Millisecond,
	}
}

func countingMinter(counter *int32) Minter {
	return func(ctx context.Context, identity egress.Identity) (*Credential, error) {
		n := atomic.AddInt32(counter, 1)
		return &Credential{
			ID:       fmt.Sprintf("cred-%d", n),
			Token:    "tok",
			Identity: identity,
		}, nil
	}
}

func TestPoolFillsToTargetInBackground(t *testing.T) {
	var minted int32
	sel := egress.New(nil, egress.RotationRoundRobin)
	p := New(testOpts(), countingMinter(&minted), sel, discardLogger())
	defer p.Close()

	require.Eventually(t, func() bool {
		return p.Size() >= testOpts().PoolTarget
	}, time.Second, 5*time.Millisecond)
}

func TestAcquireReturnsHealthiestCredential(t *testing.T) {
	var minted int32
	sel := egress.New(nil, egress.RotationRoundRobin)
	p := New(testOpts(), countingMinter(&minted), sel, discardLogger())
	defer p.Close()

	require.Eventually(t, func() bool { return p.Size() >= 2 }, time.Second, 5*time.Millisecond)

	cred, err := p.Acquire()
	require.NoError(t, err)
	assert.NotNil(t, cred)
}

func TestAcquireOnEmptyPoolReturnsExhaustedError(t *testing.T) {
	opts := testOpts()
	opts.PoolTarget = 0
	opts.PoolMin = 0
	opts.WorkerCount = 1
	opts.RefillPeriod = time.Hour

	p := New(opts, func(ctx context.Context, identity egress.Identity) (*Credential, error) {
		return nil, errors.New("should not be called")
	}, egress.New(nil, egress.RotationRoundRobin), discardLogger())
	defer p.Close()

	_, err := p.Acquire()
	var target *ferrors.CredentialsExhaustedError
	assert.ErrorAs(t, err, &target)
}

func TestReleaseAppliesHealthPenaltyOnFailure(t *testing.T) {
	p := &Pool{opts: Options{TTL: time.Hour, MaxRequests: 100}}

	cred := &Credential{ID: "c1", CreatedAt: time.Now(), health: 1.0}
	p.Release(cred, false)

	require.Equal(t, 1, p.Size())
	got, err := p.Acquire()
	require.NoError(t, err)
	assert.InDelta(t, 0.8, got.Health(), 0.05)
}

func TestReleaseDiscardsExpiredCredential(t *testing.T) {
	p := &Pool{opts: Options{TTL: time.Millisecond, MaxRequests: 100}}

	cred := &Credential{ID: "c1", CreatedAt: time.Now().Add(-time.Hour)}
	p.Release(cred, true)

	assert.Equal(t, 0, p.Size())
}

func TestMintRateLimiterCapsMintThroughput(t *testing.T) {
	var minted int32
	opts := testOpts()
	opts.PoolTarget = 20
	opts.PoolMin = 0
	opts.WorkerCount = 4
	opts.MintRatePerSecond = 5
	sel := egress.New(nil, egress.RotationRoundRobin)
	p := New(opts, countingMinter(&minted), sel, discardLogger())
	defer p.Close()

	time.Sleep(150 * time.Millisecond)
	assert.LessOrEqual(t, int(atomic.LoadInt32(&minted)), 6,
		"a 5/s limiter must not let 150ms of refills mint the full 20-credential target")
}

func TestReleaseDiscardsOverBudgetCredential(t *testing.T) {
	p := &Pool{opts: Options{TTL: time.Hour, MaxRequests: 1}}

	cred := &Credential{ID: "c1", CreatedAt: time.Now(), Requests: 1}
	p.Release(cred, true)

	assert.Equal(t, 0, p.Size())
}
