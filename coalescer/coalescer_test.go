package coalescer

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoRunsFnOnce(t *testing.T) {
	var g Group
	var calls int32

	var wg sync.WaitGroup
	results := make([]Result, 4)
	for i := 0; i < 4; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = g.Do("tweet:v1:1", func() (interface{}, error) {
				atomic.AddInt32(&calls, 1)
				time.Sleep(20 * time.Millisecond)
				return "value", nil
			})
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	coalescedCount := 0
	for _, r := range results {
		require.NoError(t, r.Err)
		assert.Equal(t, "value", r.Value)
		if r.Coalesced {
			coalescedCount++
		}
	}
	assert.Greater(t, coalescedCount, 0)
}

func TestDoPropagatesError(t *testing.T) {
	var g Group
	wantErr := errors.New("upstream failed")

	r := g.Do("tweet:v1:2", func() (interface{}, error) {
		return nil, wantErr
	})
	assert.ErrorIs(t, r.Err, wantErr)
}

func TestForgetAllowsFreshCall(t *testing.T) {
	var g Group
	var calls int32

	g.Do("tweet:v1:3", func() (interface{}, error) {
		atomic.AddInt32(&calls, 1)
		return nil, nil
	})
	g.Forget("tweet:v1:3")
	g.Do("tweet:v1:3", func() (interface{}, error) {
		atomic.AddInt32(&calls, 1)
		return nil, nil
	})

	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}
