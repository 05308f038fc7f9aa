// Package config loads the phonecore configuration. Sources are applied
// in the order their options are given; later sources override earlier
// ones.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"go.bug.st/serial"
	"gopkg.in/yaml.v3"

	"i4.energy/across/phonecore/cellular"
	"i4.energy/across/phonecore/modem"
	"i4.energy/across/phonecore/monitor"
	"i4.energy/across/phonecore/sys"
)

// Config holds the application configuration
type Config struct {
	// BindAddress is the address the status server listens on (e.g. "0.0.0.0:8080")
	BindAddress string         `yaml:"bind_address"`
	Logging     LoggingConfig  `yaml:"logging"`
	Modem       ModemConfig    `yaml:"modem"`
	Cellular    CellularConfig `yaml:"cellular"`
	Monitor     MonitorConfig  `yaml:"monitor"`
	// Services overrides built-in service manifests by service name.
	Services map[string]sys.ManifestOverride `yaml:"services"`
	// ShutdownTimeout bounds the orderly shutdown of all services.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
	// Format is json or text.
	Format    string `yaml:"format"`
	AddSource bool   `yaml:"add_source"`
}

type ModemConfig struct {
	// SerialPort is the path to the modem's serial port (e.g. "/dev/ttyUSB0")
	SerialPort string `yaml:"serial_port"`
	// BaudRate is the baud rate for serial communication with the modem (e.g. 115200)
	BaudRate int `yaml:"baud_rate"`
	// SimPIN is the SIM card PIN code
	SimPIN          string        `yaml:"sim_pin"`
	ATTimeout       time.Duration `yaml:"at_timeout"`
	InitTimeout     time.Duration `yaml:"init_timeout"`
	MinSendInterval time.Duration `yaml:"min_send_interval"`
	MaxRetries      int           `yaml:"max_retries"`
	// Mux switches the line to CMUX after bring-up.
	Mux          bool `yaml:"mux"`
	MuxFrameSize int  `yaml:"mux_frame_size"`
}

type CellularConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	UssdTimeout  time.Duration `yaml:"ussd_timeout"`
}

type MonitorConfig struct {
	Enabled bool `yaml:"enabled"`
	// Persist stores observed notifications through the database service.
	Persist bool `yaml:"persist"`
}

// Option is a function that modifies a Config
type Option func(*Config) error

// Load creates a new config by applying the given options in order
func Load(opts ...Option) (*Config, error) {
	config := &Config{}

	for _, opt := range opts {
		if err := opt(config); err != nil {
			return nil, err
		}
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// WithDefaults applies default configuration values
func WithDefaults() Option {
	return func(c *Config) error {
		c.BindAddress = "0.0.0.0:8080"
		c.Logging = LoggingConfig{Level: "info", Format: "json"}
		c.Modem = ModemConfig{
			SerialPort:      "/dev/ttyUSB0",
			BaudRate:        115200,
			ATTimeout:       5 * time.Second,
			InitTimeout:     30 * time.Second,
			MinSendInterval: 10 * time.Second,
			MaxRetries:      5,
			MuxFrameSize:    127,
		}
		c.Cellular = CellularConfig{
			PollInterval: cellular.DefaultPollInterval,
			UssdTimeout:  cellular.DefaultUssdTimeout,
		}
		c.Monitor = MonitorConfig{Enabled: true}
		c.ShutdownTimeout = 30 * time.Second
		return nil
	}
}

// WithFile reads a YAML file. Keys absent from the file keep their
// current values. An empty path is ignored.
func WithFile(path string) Option {
	return func(c *Config) error {
		if path == "" {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("parse config %s: %w", path, err)
		}
		return nil
	}
}

// WithDotEnv loads the given .env files into the process environment
// without overriding variables that are already set. Missing files are
// skipped. It only affects options applied after it, such as WithEnv.
func WithDotEnv(paths ...string) Option {
	return func(*Config) error {
		if len(paths) == 0 {
			paths = []string{".env"}
		}
		for _, path := range paths {
			if err := godotenv.Load(path); err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					continue
				}
				return fmt.Errorf("load env file %s: %w", path, err)
			}
		}
		return nil
	}
}

// WithEnv loads configuration from environment variables
func WithEnv() Option {
	return func(c *Config) error {
		if addr := os.Getenv("BIND_ADDRESS"); addr != "" {
			c.BindAddress = addr
		}

		if serial := os.Getenv("SERIAL_PORT"); serial != "" {
			c.Modem.SerialPort = serial
		}

		if baud := os.Getenv("BAUD_RATE"); baud != "" {
			b, err := strconv.Atoi(baud)
			if err != nil {
				return fmt.Errorf("BAUD_RATE: %w", err)
			}
			c.Modem.BaudRate = b
		}

		if level := os.Getenv("LOG_LEVEL"); level != "" {
			c.Logging.Level = level
		}

		if format := os.Getenv("LOG_FORMAT"); format != "" {
			c.Logging.Format = format
		}

		if simPIN := os.Getenv("SIM_PIN"); simPIN != "" {
			c.Modem.SimPIN = simPIN
		}

		if mux := os.Getenv("MODEM_MUX"); mux != "" {
			v, err := strconv.ParseBool(mux)
			if err != nil {
				return fmt.Errorf("MODEM_MUX: %w", err)
			}
			c.Modem.Mux = v
		}

		return nil
	}
}

// RegisterFlags defines the command-line flags understood by WithFlags.
func RegisterFlags(fSet *pflag.FlagSet) {
	fSet.String("config", "", "Path to a YAML configuration file")
	fSet.String("serial-port", "/dev/ttyUSB0", "Serial port to connect to the modem")
	fSet.Int("baud-rate", 115200, "Baud rate for serial communication")
	fSet.String("bind-address", "0.0.0.0:8080", "Bind address for the HTTP server")
	fSet.String("log-level", "info", "Log level (debug, info, warn, error)")
	fSet.String("log-format", "json", "Log format (json, text)")
	fSet.String("sim-pin", "", "SIM card PIN code (if required)")
	fSet.Bool("mux", false, "Multiplex the modem line with CMUX")
}

// WithFlags loads configuration from the flags set on the command line
func WithFlags(fSet *pflag.FlagSet) Option {
	return func(c *Config) error {
		var err error
		fSet.Visit(func(f *pflag.Flag) {
			switch f.Name {
			case "bind-address":
				c.BindAddress = f.Value.String()
			case "serial-port":
				c.Modem.SerialPort = f.Value.String()
			case "baud-rate":
				c.Modem.BaudRate, err = fSet.GetInt(f.Name)
			case "log-level":
				c.Logging.Level = f.Value.String()
			case "log-format":
				c.Logging.Format = f.Value.String()
			case "sim-pin":
				c.Modem.SimPIN = f.Value.String()
			case "mux":
				c.Modem.Mux, err = fSet.GetBool(f.Name)
			}
		})
		return err
	}
}

// Validate checks values no default can repair.
func (c *Config) Validate() error {
	var errs []error
	if c.Modem.SerialPort == "" {
		errs = append(errs, errors.New("modem serial port is empty"))
	}
	if c.Modem.BaudRate <= 0 {
		errs = append(errs, fmt.Errorf("invalid baud rate %d", c.Modem.BaudRate))
	}
	if c.Modem.Mux && (c.Modem.MuxFrameSize < 1 || c.Modem.MuxFrameSize > 32768) {
		errs = append(errs, fmt.Errorf("invalid CMUX frame size %d", c.Modem.MuxFrameSize))
	}
	return errors.Join(errs...)
}

// ModemSettings builds the modem configuration for a serial line.
func (c *Config) ModemSettings(log *slog.Logger) (modem.Config, error) {
	return modem.NewConfigBuilder().
		WithATTimeout(c.Modem.ATTimeout).
		WithInitTimeout(c.Modem.InitTimeout).
		WithMaxRetries(c.Modem.MaxRetries).
		WithMinSendInterval(c.Modem.MinSendInterval).
		WithSimPIN(c.Modem.SimPIN).
		WithMux(c.Modem.Mux, c.Modem.MuxFrameSize).
		WithLogger(log).
		WithDialer(modem.SerialDialer{
			PortName: c.Modem.SerialPort,
			Mode: &serial.Mode{
				BaudRate: c.Modem.BaudRate,
				Parity:   serial.NoParity,
				DataBits: 8,
				StopBits: serial.OneStopBit,
			},
		}).
		Build()
}

// CellularSettings builds the cellular service configuration.
func (c *Config) CellularSettings(log *slog.Logger) (cellular.Config, error) {
	m, err := c.ModemSettings(log)
	if err != nil {
		return cellular.Config{}, err
	}
	return cellular.Config{
		Modem:        m,
		PollInterval: c.Cellular.PollInterval,
		UssdTimeout:  c.Cellular.UssdTimeout,
	}, nil
}

// MonitorSettings builds the monitor service configuration.
func (c *Config) MonitorSettings() monitor.Config {
	return monitor.Config{Persist: c.Monitor.Persist}
}
