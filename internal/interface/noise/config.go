package noise_interface

import (
	"fmt"
	"net"
	"time"

	"github.com/revault/cosignerd/pkg/transport"
)

const defaultConnTimeout = 30 * time.Second

type Config struct {
	Listen      string
	NoiseKey    transport.PrivateKey
	Managers    []transport.PublicKey
	ConnTimeout time.Duration
}

func (c Config) Validate() error {
	if _, err := net.ResolveTCPAddr("tcp", c.Listen); err != nil {
		return fmt.Errorf("invalid listen address %s: %s", c.Listen, err)
	}
	if c.NoiseKey == (transport.PrivateKey{}) {
		return fmt.Errorf("missing noise key")
	}
	if len(c.Managers) <= 0 {
		return fmt.Errorf("at least one manager key is required")
	}
	return nil
}

func (c Config) connTimeout() time.Duration {
	if c.ConnTimeout <= 0 {
		return defaultConnTimeout
	}
	return c.ConnTimeout
}
