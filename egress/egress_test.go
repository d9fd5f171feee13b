package egress

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewIncludesDirectIdentity(t *testing.T) {
	s := New([]string{"http://proxy-a", "http://proxy-b"}, RotationRoundRobin)
	ids := s.Identities()
	assert.Len(t, ids, 3)
	assert.True(t, ids[0].IsDirect())
}

func TestRoundRobinCyclesDeterministically(t *testing.T) {
	s := New([]string{"http://a", "http://b"}, RotationRoundRobin)
	first := s.Next()
	second := s.Next()
	third := s.Next()
	assert.NotEqual(t, first, second)
	assert.Equal(t, first, third)
}

func TestNextWithNoProxiesReturnsDirect(t *testing.T) {
	s := New(nil, RotationRoundRobin)
	assert.True(t, s.Next().IsDirect())
}

func TestReportResultAffectsHealthSelection(t *testing.T) {
	s := New([]string{"http://a", "http://b", "http://c"}, RotationHealth)
	ids := s.Identities()

	for i := 0; i < 20; i++ {
		s.ReportResult(ids[1], false)
	}
	for i := 0; i < 20; i++ {
		s.ReportResult(ids[2], true)
		s.ReportResult(ids[0], true)
	}

	seen := map[string]int{}
	for i := 0; i < 50; i++ {
		seen[s.Next().Label]++
	}
	assert.Less(t, seen[ids[1].Label], seen[ids[2].Label])
}
