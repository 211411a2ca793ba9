package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte(`{"ThreadPool": false, "Timeout": "250ms", "LoadBalance": "random"}`))
	require.NoError(t, err)

	pool, ok := Bool(cfg, ThreadPool)
	assert.True(t, ok)
	assert.False(t, pool)

	d, ok := Duration(cfg, Timeout)
	assert.True(t, ok)
	assert.Equal(t, 250*time.Millisecond, d)

	assert.Equal(t, "random", cfg["LoadBalance"])
}

func TestParseConfigErrors(t *testing.T) {
	for _, in := range []string{`not json`, `{"ThreadPool": "yes"}`, `{"Timeout": "soon"}`} {
		_, err := ParseConfig([]byte(in))
		assert.Error(t, err, in)
	}
}

func TestStaticConfig(t *testing.T) {
	s := NewStaticConfig()
	_, ok := s.GetConfig("Echo.1.0.ping.producer")
	assert.False(t, ok)

	s.Set("Echo.1.0.ping.producer", map[ConfigKey]any{ThreadPool: false})
	cfg, ok := s.GetConfig("Echo.1.0.ping.producer")
	require.True(t, ok)
	v, _ := Bool(cfg, ThreadPool)
	assert.False(t, v)

	s.Delete("Echo.1.0.ping.producer")
	_, ok = s.GetConfig("Echo.1.0.ping.producer")
	assert.False(t, ok)
}

func TestConfigCenterApplyChanges(t *testing.T) {
	c := NewEtcdConfigCenter(nil, "/soa", nil)
	c.replace([]configChange{
		{key: "/soa/config/Echo.1.0.ping.producer", value: []byte(`{"ThreadPool": false}`)},
		{key: "/soa/config/Order.2.0.list.producer", value: []byte(`{"Timeout": "1s"}`)},
		{key: "/soa/config/Broken.1.0.x.producer", value: []byte(`{`)},
	})

	cfg, ok := c.GetConfig("Echo.1.0.ping.producer")
	require.True(t, ok)
	v, _ := Bool(cfg, ThreadPool)
	assert.False(t, v)
	_, ok = c.GetConfig("Broken.1.0.x.producer")
	assert.False(t, ok, "malformed entries are skipped")

	before := c.snapshot.Load()
	c.apply([]configChange{
		{key: "/soa/config/Echo.1.0.ping.producer", deleted: true},
		{key: "/soa/config/Order.2.0.list.producer", value: []byte(`{"ThreadPool": true}`)},
	})

	_, ok = c.GetConfig("Echo.1.0.ping.producer")
	assert.False(t, ok)
	cfg, _ = c.GetConfig("Order.2.0.list.producer")
	v, ok = Bool(cfg, ThreadPool)
	assert.True(t, ok && v)

	_, stillThere := (*before)["Echo.1.0.ping.producer"]
	assert.True(t, stillThere, "earlier snapshots are never mutated")
}
