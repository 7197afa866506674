package observability

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/featurepack/featurepack/internal/logging"
)

type staticIndexed map[string][]string

func (s staticIndexed) IndexedFields(collection string) ([]string, bool) {
	f, ok := s[collection]
	return f, ok
}

func TestAdvisorEvaluate(t *testing.T) {
	fs := NewFilterStats(time.Hour)
	for i := 0; i < 5; i++ {
		fs.RecordRejected("pand", "gebruiksdoel")
		fs.RecordPredicate("pand", "status", "=", true)
	}
	fs.RecordPredicate("pand", "postcode", "=", false)

	a := NewAdvisor(fs, staticIndexed{"pand": {"status", "bouwjaar"}}, AdvisorConfig{
		CreateThreshold: 3,
		DropThreshold:   1,
		MaxIndexes:      4,
	}, logging.Discard())

	actions := a.Evaluate("pand")
	assert.Equal(t, []IndexAction{
		{Type: ActionCreate, Field: "gebruiksdoel", Frequency: 5},
		{Type: ActionDrop, Field: "bouwjaar", Frequency: 0},
	}, actions)
}

func TestAdvisorRespectsMaxIndexes(t *testing.T) {
	fs := NewFilterStats(time.Hour)
	for i := 0; i < 10; i++ {
		fs.RecordPredicate("pand", "a", "=", false)
		fs.RecordPredicate("pand", "b", "=", false)
	}
	a := NewAdvisor(fs, staticIndexed{"pand": {"a"}}, AdvisorConfig{
		CreateThreshold: 1,
		MaxIndexes:      1,
	}, nil)
	assert.Empty(t, a.Evaluate("pand"))

	a = NewAdvisor(fs, nil, AdvisorConfig{CreateThreshold: 1, MaxIndexes: 1}, nil)
	assert.Equal(t, []IndexAction{{Type: ActionCreate, Field: "a", Frequency: 10}}, a.Evaluate("pand"))
}

func TestAdvisorRunStops(t *testing.T) {
	fs := NewFilterStats(time.Hour)
	fs.RecordPredicate("pand", "a", "=", false)
	a := NewAdvisor(fs, nil, AdvisorConfig{CreateThreshold: 1, CheckInterval: time.Millisecond}, logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.Run(ctx)
		close(done)
	}()
	time.Sleep(5 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("advisor did not stop")
	}
}
