// File: control/config.go
// Author: momentics <momentics@gmail.com>
//
// Thread-safe store of the effective configuration, refreshed on hang-up.

package control

import (
	"reflect"
	"sort"
	"sync"
)

// ConfigStore is a key/value snapshot of the running configuration with
// change listeners.
type ConfigStore struct {
	mu        sync.RWMutex
	config    map[string]any
	listeners []func(changed []string)
}

// NewConfigStore initializes a new config store with empty data.
func NewConfigStore() *ConfigStore {
	return &ConfigStore{
		config: make(map[string]any),
	}
}

// GetSnapshot returns a copy of all config values.
func (cs *ConfigStore) GetSnapshot() map[string]any {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	out := make(map[string]any, len(cs.config))
	for k, v := range cs.config {
		out[k] = v
	}
	return out
}

// SetConfig merges newCfg and returns the sorted keys whose value changed.
// Listeners run synchronously on the caller when something changed.
func (cs *ConfigStore) SetConfig(newCfg map[string]any) []string {
	cs.mu.Lock()
	var changed []string
	for k, v := range newCfg {
		if old, ok := cs.config[k]; !ok || !reflect.DeepEqual(old, v) {
			changed = append(changed, k)
		}
		cs.config[k] = v
	}
	listeners := append([]func([]string){}, cs.listeners...)
	cs.mu.Unlock()

	sort.Strings(changed)
	if len(changed) != 0 {
		for _, fn := range listeners {
			fn(changed)
		}
	}
	return changed
}

// OnReload registers a listener called with the changed keys.
func (cs *ConfigStore) OnReload(fn func(changed []string)) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.listeners = append(cs.listeners, fn)
}
