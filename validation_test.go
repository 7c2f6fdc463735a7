package brontide

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name    string
		config  *Config
		wantErr string
	}{
		{"nil", nil, ""},
		{"zero value", &Config{}, ""},
		{"tor proxy", &Config{Proxy: "127.0.0.1:9050", HandshakeTimeout: time.Second}, ""},
		{"negative handshake timeout", &Config{HandshakeTimeout: -1}, "handshake timeout"},
		{"negative dial timeout", &Config{DialTimeout: -1}, "dial timeout"},
		{"negative high-water mark", &Config{WriteHighWaterMark: -1}, "high-water mark"},
		{"negative read buffer", &Config{ReadBufferSize: -1}, "read buffer"},
		{"proxy without port", &Config{Proxy: "127.0.0.1"}, "127.0.0.1:9050"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateConfig(tt.config)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestConfigDefaults(t *testing.T) {
	config, err := (*Config)(nil).withDefaults()
	require.NoError(t, err)
	assert.Equal(t, DefaultWriteHighWaterMark, config.WriteHighWaterMark)
	assert.Equal(t, DefaultReadBufferSize, config.ReadBufferSize)
	assert.NotNil(t, config.EphemeralKey)
	assert.NotNil(t, config.Logger)
	assert.Zero(t, config.HandshakeTimeout)

	in := &Config{ReadBufferSize: 512}
	out, err := in.withDefaults()
	require.NoError(t, err)
	assert.Equal(t, 512, out.ReadBufferSize)
	assert.Nil(t, in.Logger, "the caller's config is not modified")
}
