package control_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/momentics/hioload-rest/control"
)

func TestMetricsRegistryCounters(t *testing.T) {
	mr := control.NewMetricsRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				mr.Add("hits", 1)
			}
		}()
	}
	wg.Wait()
	mr.Add("hits", -1)
	mr.Set("backend", "epoll")

	assert.EqualValues(t, 999, mr.Counter("hits"))
	snap := mr.GetSnapshot()
	assert.Equal(t, "epoll", snap["backend"])
	assert.False(t, mr.Updated().IsZero())

	snap["backend"] = "changed"
	assert.Equal(t, "epoll", mr.GetSnapshot()["backend"])
}

func TestDebugProbes(t *testing.T) {
	dp := control.NewDebugProbes()
	dp.RegisterProbe("answer", func() any { return 42 })
	dp.RegisterProbe("broken", func() any { panic("nope") })
	control.RegisterPlatformProbes(dp)

	state := dp.DumpState()
	assert.Equal(t, 42, state["answer"])
	assert.Contains(t, state["broken"], "probe panic")
	assert.Contains(t, state, "platform.cpus")
}

func TestConfigStoreReportsChanges(t *testing.T) {
	cs := control.NewConfigStore()
	var seen [][]string
	cs.OnReload(func(changed []string) { seen = append(seen, changed) })

	assert.Equal(t, []string{"a", "b"}, cs.SetConfig(map[string]any{"b": 2, "a": 1}))
	assert.Empty(t, cs.SetConfig(map[string]any{"a": 1}))
	assert.Equal(t, []string{"a"}, cs.SetConfig(map[string]any{"a": 3}))

	assert.Equal(t, [][]string{{"a", "b"}, {"a"}}, seen)
	assert.Equal(t, map[string]any{"a": 3, "b": 2}, cs.GetSnapshot())
}
