package common

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestDuration_UnmarshalText(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected time.Duration
		wantErr  bool
	}{
		{name: "milliseconds", input: "250ms", expected: 250 * time.Millisecond},
		{name: "seconds", input: "10s", expected: 10 * time.Second},
		{name: "mixed units", input: "1h30m45s", expected: time.Hour + 30*time.Minute + 45*time.Second},
		{name: "empty", input: "", wantErr: true},
		{name: "missing unit", input: "10", wantErr: true},
		{name: "garbage", input: "soon", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var d Duration
			err := d.UnmarshalText([]byte(tt.input))
			if tt.wantErr {
				require.Error(t, err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.expected, d.Duration)
		})
	}
}

func TestDuration_ConfigFormats(t *testing.T) {
	type fetchConfig struct {
		Timeout Duration `yaml:"timeout" json:"timeout" toml:"timeout"`
	}

	t.Run("yaml", func(t *testing.T) {
		var cfg fetchConfig
		require.NoError(t, yaml.Unmarshal([]byte("timeout: 45s\n"), &cfg))
		assert.Equal(t, 45*time.Second, cfg.Timeout.Duration)
	})

	t.Run("json", func(t *testing.T) {
		var cfg fetchConfig
		require.NoError(t, json.Unmarshal([]byte(`{"timeout":"2m"}`), &cfg))
		assert.Equal(t, 2*time.Minute, cfg.Timeout.Duration)
	})

	t.Run("toml", func(t *testing.T) {
		var cfg fetchConfig
		_, err := toml.Decode(`timeout = "1500ms"`, &cfg)
		require.NoError(t, err)
		assert.Equal(t, 1500*time.Millisecond, cfg.Timeout.Duration)
	})

	t.Run("invalid yaml", func(t *testing.T) {
		var cfg fetchConfig
		require.Error(t, yaml.Unmarshal([]byte("timeout: later\n"), &cfg))
	})
}

func TestDuration_MarshalRoundtrip(t *testing.T) {
	original := struct {
		Timeout Duration `json:"timeout" yaml:"timeout"`
	}{Timeout: NewDuration(5 * time.Minute)}

	data, err := json.Marshal(original)
	require.NoError(t, err)
	assert.JSONEq(t, `{"timeout":"5m0s"}`, string(data))

	data, err = yaml.Marshal(original)
	require.NoError(t, err)

	var decoded struct {
		Timeout Duration `yaml:"timeout"`
	}
	require.NoError(t, yaml.Unmarshal(data, &decoded))
	assert.Equal(t, original.Timeout.Duration, decoded.Timeout.Duration)
}

func TestDuration_JSONSchema(t *testing.T) {
	schema := Duration{}.JSONSchema()

	require.NotNil(t, schema)
	assert.Equal(t, "string", schema.Type)
	assert.Equal(t, "Duration", schema.Title)
	assert.Contains(t, schema.Examples, "300ms")
}
