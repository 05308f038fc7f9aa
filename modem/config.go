package modem

import (
	"log/slog"
	"time"
)

func (c *Config) validate() error {
	if c.Dialer == nil {
		return ErrNoDialer
	}
	return nil
}

// Config holds the modem settings. Zero values are replaced by defaults
// in New; use NewConfigBuilder for a validated Config.
type Config struct {
	Dialer Dialer
	SimPIN string
	// MinSendInterval paces outgoing SMS.
	MinSendInterval time.Duration
	// MaxRetries bounds ExecRetry attempts, the first try included.
	MaxRetries int
	EchoOn     bool
	// ATTimeout bounds how long a command may wait for the channel to
	// accept it while another command is in flight.
	ATTimeout   time.Duration
	InitTimeout time.Duration

	// Mux switches the line to 27.010 multiplexing after init.
	Mux bool
	// MuxFrameSize is N1, the maximum frame payload negotiated with AT+CMUX.
	MuxFrameSize int
	// URCBuffer is the capacity of the URC channel.
	URCBuffer int

	Logger *slog.Logger
}

func (c *Config) setDefaults() {
	if c.MinSendInterval == 0 {
		c.MinSendInterval = time.Minute / 30
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.ATTimeout == 0 {
		c.ATTimeout = 5 * time.Second
	}
	if c.InitTimeout == 0 {
		c.InitTimeout = 30 * time.Second
	}
	if c.MuxFrameSize == 0 {
		c.MuxFrameSize = 127
	}
	if c.URCBuffer == 0 {
		c.URCBuffer = 100
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// ConfigBuilder assembles a Config step by step.
type ConfigBuilder struct {
	config Config
}

func NewConfigBuilder() *ConfigBuilder {
	return &ConfigBuilder{}
}

func (b *ConfigBuilder) WithDialer(d Dialer) *ConfigBuilder {
	b.config.Dialer = d
	return b
}

func (b *ConfigBuilder) WithSimPIN(pin string) *ConfigBuilder {
	b.config.SimPIN = pin
	return b
}

func (b *ConfigBuilder) WithMinSendInterval(d time.Duration) *ConfigBuilder {
	b.config.MinSendInterval = d
	return b
}

func (b *ConfigBuilder) WithMaxRetries(n int) *ConfigBuilder {
	b.config.MaxRetries = n
	return b
}

func (b *ConfigBuilder) WithEchoOn(on bool) *ConfigBuilder {
	b.config.EchoOn = on
	return b
}

func (b *ConfigBuilder) WithATTimeout(d time.Duration) *ConfigBuilder {
	b.config.ATTimeout = d
	return b
}

func (b *ConfigBuilder) WithInitTimeout(d time.Duration) *ConfigBuilder {
	b.config.InitTimeout = d
	return b
}

func (b *ConfigBuilder) WithMux(enabled bool, frameSize int) *ConfigBuilder {
	b.config.Mux = enabled
	b.config.MuxFrameSize = frameSize
	return b
}

func (b *ConfigBuilder) WithLogger(log *slog.Logger) *ConfigBuilder {
	b.config.Logger = log
	return b
}

// Build applies defaults and validates the result.
func (b *ConfigBuilder) Build() (Config, error) {
	c := b.config
	c.setDefaults()
	if err := c.validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}
