package config

import (
	"compression-detector/detect"
	"compression-detector/types"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
probe:
  peer: ${PROBE_PEER}
  ports:
    control: 7777
    source: 9876
    destination: 8765
    headSyn: 9999
    tailSyn: 8888
    result: 7778
  payloadSize: 1100
  packetCount: 6000
  interSendDelay: 200us
  ttl: 255
  interMeasurementWait: 15s
responder:
  sessionTimeout: 3s
  limits:
    maxPacketCount: 10000
detector:
  margin: 0.25
`

func TestLoad(t *testing.T) {
	t.Setenv("PROBE_PEER", "192.0.2.10")
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "192.0.2.10", cfg.Probe.Peer)
	assert.Equal(t, 200*time.Microsecond, cfg.Probe.InterSendDelay)
	assert.Equal(t, 15*time.Second, cfg.Probe.InterMeasurementWait)
	assert.Equal(t, 3*time.Second, cfg.Responder.SessionTimeout)
	assert.Equal(t, uint16(7777), cfg.Responder.ControlPort)
	require.NotNil(t, cfg.Detector.Margin)
	assert.Equal(t, 0.25, *cfg.Detector.Margin)
	assert.Equal(t, 0.8, cfg.Detector.MinReceivedFraction)
	assert.Equal(t, 10000, cfg.Limits().MaxPacketCount)

	probe, err := cfg.ProbeConfig()
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.10", probe.Peer())
	assert.Equal(t, 1100, probe.PayloadSize())
	assert.Equal(t, uint16(8765), probe.Ports().Destination)
	assert.Equal(t, "192.0.2.10:7777", probe.ControlAddr())
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte("probe:\n  peer: 127.0.0.1\n"))
	require.NoError(t, err)

	assert.Equal(t, uint16(7777), cfg.Probe.Ports.Control)
	assert.Equal(t, uint16(7778), cfg.Probe.Ports.Result)
	assert.Equal(t, 1000, cfg.Probe.PayloadSize)
	assert.Equal(t, 255, cfg.Probe.TTL)
	assert.Equal(t, 15*time.Second, cfg.Probe.InterMeasurementWait)
	assert.Equal(t, detect.DefaultMargin, *cfg.Detector.Margin)
	assert.Equal(t, 5*time.Second, cfg.Responder.SessionTimeout)
	assert.Equal(t, ":9100", cfg.Observability.Metrics.Address)
	assert.Equal(t, "/ws", cfg.Observability.WebSocket.Path)

	// Data ports have no defaults, so the probe config is incomplete.
	_, err = cfg.ProbeConfig()
	assert.ErrorIs(t, err, types.ErrConfigInvalid)
}

func TestParse_InvalidDetector(t *testing.T) {
	_, err := Parse([]byte("detector:\n  margin: 1.5\n  minReceivedFraction: 2\n"))
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrConfigInvalid)
	assert.Contains(t, err.Error(), "detector.margin")
	assert.Contains(t, err.Error(), "detector.minReceivedFraction")
}

func TestParse_ZeroMarginKept(t *testing.T) {
	cfg, err := Parse([]byte("detector:\n  margin: 0\n"))
	require.NoError(t, err)

	opts := cfg.DetectOptions()
	require.NotNil(t, opts.Margin)
	assert.Zero(t, *opts.Margin)
}

func TestParse_BadYAML(t *testing.T) {
	_, err := Parse([]byte("probe: [unclosed"))
	assert.Error(t, err)
}
