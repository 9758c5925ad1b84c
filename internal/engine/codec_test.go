package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodec_RoundTrip(t *testing.T) {
	c := NewCodec()
	RegisterCommand[testCmd](c)

	raw, err := c.Encode(testCmd{Name: "a", Key: "k"})
	require.NoError(t, err)

	cmd, err := c.Decode("test.cmd", raw)
	require.NoError(t, err)
	assert.Equal(t, testCmd{Name: "a", Key: "k"}, cmd)
	assert.Equal(t, []CommandType{"test.cmd"}, c.Types())
}

func TestCodec_DecodeValueFromMap(t *testing.T) {
	c := NewCodec()
	RegisterCommand[testCmd](c)

	cmd, err := c.DecodeValue("test.cmd", map[string]any{"name": "b", "key": "k2"})
	require.NoError(t, err)
	assert.Equal(t, testCmd{Name: "b", Key: "k2"}, cmd)

	cmd, err = c.DecodeValue("test.cmd", nil)
	require.NoError(t, err)
	assert.Equal(t, testCmd{}, cmd)
}

func TestCodec_Errors(t *testing.T) {
	c := NewCodec()
	RegisterCommand[testCmd](c)

	_, err := c.Decode("test.missing", nil)
	assert.Equal(t, KindUnknownCommand, KindOf(err))

	_, err = c.Decode("test.cmd", []byte(`{"name": 3}`))
	assert.True(t, IsValidationError(err))
}
