package collector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSchema = `{
  "type": "object",
  "properties": {
    "interval_secs": {"type": "number", "minimum": 1}
  },
  "required": ["interval_secs"]
}`

func TestConfigValidatorAcceptsValid(t *testing.T) {
	v, err := NewConfigValidator([]byte(testSchema))
	require.NoError(t, err)

	err = v.Validate(map[string]any{"interval_secs": 5.0})
	assert.NoError(t, err)
}

func TestConfigValidatorRejectsInvalid(t *testing.T) {
	v, err := NewConfigValidator([]byte(testSchema))
	require.NoError(t, err)

	err = v.Validate(map[string]any{"interval_secs": 0})
	assert.Error(t, err)

	err = v.Validate(map[string]any{})
	assert.Error(t, err)
}

func TestNilValidatorAlwaysPasses(t *testing.T) {
	var v *ConfigValidator
	assert.NoError(t, v.Validate(map[string]any{"anything": true}))
}
