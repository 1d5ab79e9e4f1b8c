package decode

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Name   string         `json:"name"`
	Count  int64          `json:"count"`
	Wait   time.Duration  `json:"wait"`
	Tags   []string       `json:"tags"`
	Labels map[string]any `json:"labels"`
}

func TestToFromJSONMap(t *testing.T) {
	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(`{
		"name": "room",
		"count": 3,
		"wait": "1m30s",
		"tags": "a,b",
		"labels": "{\"k\":\"v\"}"
	}`), &m))

	got, err := To[sample](m)
	require.NoError(t, err)
	assert.Equal(t, "room", got.Name)
	assert.EqualValues(t, 3, got.Count)
	assert.Equal(t, 90*time.Second, got.Wait)
	assert.Equal(t, []string{"a", "b"}, got.Tags)
	assert.Equal(t, map[string]any{"k": "v"}, got.Labels)
}

func TestIntoKeepsExistingValues(t *testing.T) {
	s := sample{Name: "keep", Count: 7}
	require.NoError(t, Into(map[string]any{"count": "9"}, &s))
	assert.Equal(t, "keep", s.Name)
	assert.EqualValues(t, 9, s.Count)
}

func TestCustomTagAndUnused(t *testing.T) {
	type conf struct {
		Addr string `yaml:"addr"`
	}
	var c conf
	require.NoError(t, Into(map[string]any{"addr": ":1"}, &c, Options{TagName: "yaml"}))
	assert.Equal(t, ":1", c.Addr)

	err := Into(map[string]any{"adr": ":1"}, &c, Options{TagName: "yaml", ErrorUnused: true})
	require.Error(t, err)
}
