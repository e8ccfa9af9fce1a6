package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryansname/gridctl/microgrid"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gridctl.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const validConfig = `
logging:
  level: debug
  format: json
mqtt:
  broker: broker.lan:1883
  client_id: gridctl-test
metrics:
  listen: ":9090"
topology:
  - inverter: 101
    batteries: [11]
  - inverter: 102
    batteries: [11, 12]
distributor:
  exponent: 2.0
  wait_for_data_sec: 0.5
  blocking_duration_sec: 45
  max_data_age_sec: 5
resampler:
  period_sec: 0.2
  max_data_age_in_periods: 4
  timeseries:
    - name: grid_power
      topic: microgrid/meter/1/power
`

func TestLoad_ValidConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "broker.lan:1883", cfg.MQTT.Broker)
	assert.Equal(t, ":9090", cfg.Metrics.Listen)
	assert.Equal(t, 2.0, cfg.Distributor.Exponent)
	assert.Equal(t, 500*time.Millisecond, cfg.WaitForData())
	assert.Equal(t, 45*time.Second, cfg.BlockingDuration())
	assert.Equal(t, 5*time.Second, cfg.MaxDataAge())
	assert.Equal(t, 200*time.Millisecond, cfg.ResamplingPeriod())
	require.Len(t, cfg.Resampler.Timeseries, 1)
	assert.Equal(t, "grid_power", cfg.Resampler.Timeseries[0].Name)
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
topology:
  - inverter: 101
    batteries: [11]
`))
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "localhost:1883", cfg.MQTT.Broker)
	assert.Equal(t, 1.0, cfg.Distributor.Exponent)
	assert.Equal(t, 2*time.Second, cfg.WaitForData())
	assert.Equal(t, 30*time.Second, cfg.BlockingDuration())
	assert.Equal(t, time.Second, cfg.ResamplingPeriod())
	assert.Equal(t, 3.0, cfg.Resampler.MaxDataAgeInPeriods)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "topology: ["))
	assert.Error(t, err)
}

func TestValidate_Rejections(t *testing.T) {
	cases := map[string]string{
		"no topology": `
mqtt:
  broker: broker.lan:1883
`,
		"duplicate inverter": `
topology:
  - inverter: 101
    batteries: [11]
  - inverter: 101
    batteries: [12]
`,
		"inverter without batteries": `
topology:
  - inverter: 101
    batteries: []
`,
		"bad resampling period": `
topology:
  - inverter: 101
    batteries: [11]
resampler:
  period_sec: -1
`,
		"bad max data age": `
topology:
  - inverter: 101
    batteries: [11]
resampler:
  max_data_age_in_periods: 0.5
`,
		"timeseries without topic": `
topology:
  - inverter: 101
    batteries: [11]
resampler:
  timeseries:
    - name: x
`,
		"duplicate timeseries": `
topology:
  - inverter: 101
    batteries: [11]
resampler:
  timeseries:
    - name: x
      topic: a
    - name: x
      topic: b
`,
	}

	for name, content := range cases {
		_, err := Load(writeConfig(t, content))
		assert.Error(t, err, name)
	}
}

func TestConfig_WiringAndBatteries(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	require.NoError(t, err)

	wiring := cfg.Wiring()
	assert.Equal(t, []microgrid.BatteryID{11}, wiring[101])
	assert.Equal(t, []microgrid.BatteryID{11, 12}, wiring[102])

	// Battery 11 appears behind both inverters but is listed once.
	assert.ElementsMatch(t, []microgrid.BatteryID{11, 12}, cfg.Batteries())
}
