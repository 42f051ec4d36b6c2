package app

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestProfilerScopesKeepOrder(t *testing.T) {
	p := NewProfiler()
	end := p.Scope("sort")
	time.Sleep(time.Millisecond)
	end()
	p.Record("upload", 3*time.Millisecond)
	p.Record("sort", 2*time.Millisecond)

	assert.Equal(t, []string{"sort", "upload"}, p.Order)
	assert.Equal(t, 2*time.Millisecond, p.Duration("sort"))

	p.Reset()
	assert.Zero(t, p.Duration("upload"))
	assert.Len(t, p.Order, 2)
}

func TestProfilerCountsConcurrent(t *testing.T) {
	p := NewProfiler()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				p.AddCount("splats", 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 800, p.Count("splats"))

	p.SetCount("scenes", 2)
	s := p.GetStatsString()
	assert.True(t, strings.Index(s, "scenes") < strings.Index(s, "splats"), "counters are sorted")
	assert.Contains(t, s, "Timings (CPU):")
}
