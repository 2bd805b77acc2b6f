package config

import (
	"testing"

	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchema(t *testing.T) {
	assert.Equal(t, []string{"config", "system"}, SchemaNames())

	_, ok := Schema("nope")
	assert.False(t, ok)

	s, ok := Schema("system")
	require.True(t, ok)
	assert.Equal(t, "companion system config", s.Title)
	prop, ok := s.Properties.Get("max_tool_rounds")
	require.True(t, ok)
	assert.Equal(t, "integer", prop.Type)

	s, ok = Schema("config")
	require.True(t, ok)
	_, ok = s.Properties.Get("plugins")
	assert.True(t, ok)

	data, err := jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(s)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"Handed verbatim to the plugin factory."`)
}
