package analytics

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	mu       sync.Mutex
	inserted [][]interface{}
	execs    []string
	failNext bool
}

func (f *fakeConn) Ping(ctx context.Context) error { return nil }

func (f *fakeConn) Exec(ctx context.Context, query string, args ...interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execs = append(f.execs, query)
	return nil
}

func (f *fakeConn) AsyncInsert(ctx context.Context, query string, wait bool, args ...interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		return errors.New("insert failed")
	}
	f.inserted = append(f.inserted, args)
	return nil
}

func (f *fakeConn) Close() error { return nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSinkFlushesBufferedRecords(t *testing.T) {
	fc := &fakeConn{}
	s := newSink(fc, time.Hour, testLogger())

	s.BufferRecords([]RecordRow{{ID: "1", Text: "hello"}, {ID: "2", Text: "world"}})
	s.flush(context.Background())

	fc.mu.Lock()
	defer fc.mu.Unlock()
	require.Len(t, fc.inserted, 2)
	assert.Empty(t, s.records)
}

func TestSinkFlushesBufferedSearchQueries(t *testing.T) {
	fc := &fakeConn{}
	s := newSink(fc, time.Hour, testLogger())

	s.BufferSearchQuery(SearchQueryRow{Query: "bitcoin", Product: "Top", ResultCount: 20, CacheHit: true})
	s.flush(context.Background())

	fc.mu.Lock()
	defer fc.mu.Unlock()
	require.Len(t, fc.inserted, 1)
}

func TestSinkFlushIsNoOpWhenBuffersEmpty(t *testing.T) {
	fc := &fakeConn{}
	s := newSink(fc, time.Hour, testLogger())

	s.flush(context.Background())

	fc.mu.Lock()
	defer fc.mu.Unlock()
	assert.Empty(t, fc.inserted)
}

func TestSinkFlushFailureDropsBatchWithoutPanicking(t *testing.T) {
	fc := &fakeConn{failNext: true}
	s := newSink(fc, time.Hour, testLogger())

	s.BufferRecords([]RecordRow{{ID: "1"}})
	s.flush(context.Background())

	assert.Empty(t, s.records, "batch is dropped, not retried, per spec's best-effort policy")
}

func TestSinkCloseDrainsPendingBuffer(t *testing.T) {
	fc := &fakeConn{}
	s := newSink(fc, time.Hour, testLogger())
	go s.flushLoop()

	s.BufferRecords([]RecordRow{{ID: "1"}})
	s.Close()

	fc.mu.Lock()
	defer fc.mu.Unlock()
	assert.Len(t, fc.inserted, 1, "Close must perform one final drain of whatever was buffered")
}

func TestNilSinkBufferCallsAreNoOps(t *testing.T) {
	var s *Sink
	assert.NotPanics(t, func() {
		s.BufferRecords([]RecordRow{{ID: "1"}})
		s.BufferSearchQuery(SearchQueryRow{Query: "x"})
		s.Close()
	})
}

func TestSplitStatements(t *testing.T) {
	out := splitStatements("CREATE TABLE a (x Int64); CREATE TABLE b (y Int64);")
	require.Len(t, out, 2)
	assert.Equal(t, "CREATE TABLE a (x Int64)", out[0])
	assert.Equal(t, "CREATE TABLE b (y Int64)", out[1])
}
