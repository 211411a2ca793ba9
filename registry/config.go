package registry

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// ConfigKey names one per-call configuration entry.
type ConfigKey string

const (
	// ThreadPool (bool) says whether the call may run on the worker pool.
	ThreadPool ConfigKey = "ThreadPool"
	// Timeout (time.Duration) bounds processor execution.
	Timeout ConfigKey = "Timeout"
)

// ConfigSource returns the live configuration of a service call key. Implementations
// must answer from memory; the lookup sits on the hot path of every request.
type ConfigSource interface {
	GetConfig(serviceCallKey string) (map[ConfigKey]any, bool)
}

// Bool reads a boolean entry.
func Bool(cfg map[ConfigKey]any, key ConfigKey) (value, ok bool) {
	value, ok = cfg[key].(bool)
	return
}

// Duration reads a duration entry.
func Duration(cfg map[ConfigKey]any, key ConfigKey) (time.Duration, bool) {
	d, ok := cfg[key].(time.Duration)
	return d, ok
}

// ParseConfig decodes the JSON form of a configuration entry, for example
// {"ThreadPool": false, "Timeout": "500ms"}. Unknown keys are kept as decoded.
func ParseConfig(data []byte) (map[ConfigKey]any, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg := make(map[ConfigKey]any, len(raw))
	for k, v := range raw {
		switch key := ConfigKey(k); key {
		case ThreadPool:
			var b bool
			if err := json.Unmarshal(v, &b); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", key, err)
			}
			cfg[key] = b
		case Timeout:
			var s string
			if err := json.Unmarshal(v, &s); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", key, err)
			}
			d, err := time.ParseDuration(s)
			if err != nil {
				return nil, fmt.Errorf("parse config %s: %w", key, err)
			}
			cfg[key] = d
		default:
			var x any
			if err := json.Unmarshal(v, &x); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", key, err)
			}
			cfg[key] = x
		}
	}
	return cfg, nil
}

// StaticConfig is an in-memory ConfigSource.
type StaticConfig struct {
	mu      sync.RWMutex
	entries map[string]map[ConfigKey]any
}

func NewStaticConfig() *StaticConfig {
	return &StaticConfig{entries: make(map[string]map[ConfigKey]any)}
}

// Set replaces the configuration of serviceCallKey.
func (s *StaticConfig) Set(serviceCallKey string, cfg map[ConfigKey]any) {
	s.mu.Lock()
	s.entries[serviceCallKey] = cfg
	s.mu.Unlock()
}

func (s *StaticConfig) Delete(serviceCallKey string) {
	s.mu.Lock()
	delete(s.entries, serviceCallKey)
	s.mu.Unlock()
}

func (s *StaticConfig) GetConfig(serviceCallKey string) (map[ConfigKey]any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.entries[serviceCallKey]
	return cfg, ok
}
