package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"i4.energy/across/phonecore/config"
	"i4.energy/across/phonecore/sys"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaults(t *testing.T) {
	cfg, err := config.Load(config.WithDefaults())
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8080", cfg.BindAddress)
	assert.Equal(t, "/dev/ttyUSB0", cfg.Modem.SerialPort)
	assert.Equal(t, 115200, cfg.Modem.BaudRate)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.True(t, cfg.Monitor.Enabled)
	assert.Equal(t, time.Minute, cfg.Cellular.PollInterval)
}

func TestFileOverridesDefaults(t *testing.T) {
	path := writeFile(t, "phonecore.yaml", `
bind_address: 127.0.0.1:9090
logging:
  level: debug
  format: text
modem:
  serial_port: /dev/ttyUSB2
  mux: true
  at_timeout: 2s
cellular:
  poll_interval: 30s
services:
  ServiceMonitor:
    disabled: true
  ServiceCellular:
    priority: 50
    timeout: 90s
    dependencies: [ServiceDB]
`)
	cfg, err := config.Load(config.WithDefaults(), config.WithFile(path))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9090", cfg.BindAddress)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Equal(t, "/dev/ttyUSB2", cfg.Modem.SerialPort)
	assert.True(t, cfg.Modem.Mux)
	assert.Equal(t, 2*time.Second, cfg.Modem.ATTimeout)
	assert.Equal(t, 115200, cfg.Modem.BaudRate, "keys absent from the file keep their value")
	assert.Equal(t, 30*time.Second, cfg.Cellular.PollInterval)

	require.Contains(t, cfg.Services, "ServiceCellular")
	override := cfg.Services["ServiceCellular"]
	require.NotNil(t, override.Priority)
	assert.Equal(t, 50, *override.Priority)
	require.NotNil(t, override.Timeout)
	assert.Equal(t, 90*time.Second, *override.Timeout)
	assert.Equal(t, []string{sys.ServiceDB}, override.Dependencies)
	assert.True(t, cfg.Services["ServiceMonitor"].Disabled)
}

func TestFileErrors(t *testing.T) {
	_, err := config.Load(config.WithDefaults(), config.WithFile(filepath.Join(t.TempDir(), "missing.yaml")))
	assert.ErrorIs(t, err, os.ErrNotExist)

	path := writeFile(t, "bad.yaml", "modem: [")
	_, err = config.Load(config.WithDefaults(), config.WithFile(path))
	assert.Error(t, err)

	cfg, err := config.Load(config.WithDefaults(), config.WithFile(""))
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyUSB0", cfg.Modem.SerialPort)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeFile(t, "phonecore.yaml", "modem:\n  serial_port: /dev/ttyS1\n")
	t.Setenv("SERIAL_PORT", "/dev/ttyACM0")
	t.Setenv("BAUD_RATE", "9600")
	t.Setenv("MODEM_MUX", "true")
	t.Setenv("LOG_LEVEL", "warn")

	cfg, err := config.Load(config.WithDefaults(), config.WithFile(path), config.WithEnv())
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyACM0", cfg.Modem.SerialPort)
	assert.Equal(t, 9600, cfg.Modem.BaudRate)
	assert.True(t, cfg.Modem.Mux)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestEnvRejectsBadNumbers(t *testing.T) {
	t.Setenv("BAUD_RATE", "fast")
	_, err := config.Load(config.WithDefaults(), config.WithEnv())
	assert.ErrorContains(t, err, "BAUD_RATE")
}

func TestDotEnv(t *testing.T) {
	// Registered through t.Setenv so the variable is restored afterwards.
	t.Setenv("SIM_PIN", "")
	os.Unsetenv("SIM_PIN")
	t.Setenv("BIND_ADDRESS", "10.0.0.1:80")

	path := writeFile(t, ".env", "SIM_PIN=1234\nBIND_ADDRESS=10.0.0.2:80\n")
	cfg, err := config.Load(
		config.WithDefaults(),
		config.WithDotEnv(path, filepath.Join(t.TempDir(), "absent.env")),
		config.WithEnv(),
	)
	require.NoError(t, err)
	assert.Equal(t, "1234", cfg.Modem.SimPIN)
	assert.Equal(t, "10.0.0.1:80", cfg.BindAddress, "process environment wins over .env")
}

func TestFlagsOverrideEverything(t *testing.T) {
	t.Setenv("SERIAL_PORT", "/dev/ttyACM0")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	config.RegisterFlags(fs)
	require.NoError(t, fs.Parse([]string{"--serial-port=/dev/ttyUSB3", "--baud-rate=57600", "--mux"}))

	cfg, err := config.Load(config.WithDefaults(), config.WithEnv(), config.WithFlags(fs))
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyUSB3", cfg.Modem.SerialPort)
	assert.Equal(t, 57600, cfg.Modem.BaudRate)
	assert.True(t, cfg.Modem.Mux)
	assert.Equal(t, "0.0.0.0:8080", cfg.BindAddress, "unset flags do not override")
}

func TestValidate(t *testing.T) {
	path := writeFile(t, "phonecore.yaml", "modem:\n  serial_port: \"\"\n  baud_rate: -1\n")
	_, err := config.Load(config.WithDefaults(), config.WithFile(path))
	require.Error(t, err)
	assert.ErrorContains(t, err, "serial port")
	assert.ErrorContains(t, err, "baud rate")
}

func TestSettings(t *testing.T) {
	cfg, err := config.Load(config.WithDefaults())
	require.NoError(t, err)

	cell, err := cfg.CellularSettings(nil)
	require.NoError(t, err)
	assert.NotNil(t, cell.Modem.Dialer)
	assert.Equal(t, 5, cell.Modem.MaxRetries)
	assert.Equal(t, 10*time.Second, cell.Modem.MinSendInterval)
	assert.Equal(t, time.Minute, cell.PollInterval)

	assert.False(t, cfg.MonitorSettings().Persist)
}
