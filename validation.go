package brontide

import (
	"fmt"
	"net"
)

// ValidateConfig checks a Config for values that would make every
// connection fail. A nil Config is valid.
func ValidateConfig(config *Config) error {
	if config == nil {
		return nil
	}

	if config.HandshakeTimeout < 0 {
		return fmt.Errorf("handshake timeout must not be negative, got %v", config.HandshakeTimeout)
	}
	if config.DialTimeout < 0 {
		return fmt.Errorf("dial timeout must not be negative, got %v", config.DialTimeout)
	}
	if config.WriteHighWaterMark < 0 {
		return fmt.Errorf("write high-water mark must not be negative, got %d", config.WriteHighWaterMark)
	}
	if config.ReadBufferSize < 0 {
		return fmt.Errorf("read buffer size must not be negative, got %d", config.ReadBufferSize)
	}

	if config.Proxy != "" {
		if _, _, err := net.SplitHostPort(config.Proxy); err != nil {
			return fmt.Errorf(`proxy must be a host:port address, got %q

  For a local Tor daemon use:
    config.Proxy = "127.0.0.1:9050"`, config.Proxy)
		}
	}

	return nil
}
