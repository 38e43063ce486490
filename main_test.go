package cpdma

import (
	"testing"
	"time"

	"github.com/slackhq/cpdma/ring"
	"github.com/slackhq/cpdma/test"
	"github.com/slackhq/cpdma/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const loopbackConfig = `
dma:
  buffers: 128
channels:
  tx: [{number: 0, descriptors: 16, reclaim_threshold: 8}]
  rx: [{number: 0, descriptors: 16}]
hw:
  loopback: true
  batch: 8
traffic:
  enabled: true
  count: 200
  rate: 0
`

func TestMain_ConfigTest(t *testing.T) {
	l := test.NewLogger()
	ctrl, err := Main(loadConfig(t, loopbackConfig), true, "0.0.0", l)
	require.NoError(t, err)
	assert.Nil(t, ctrl.Engine())
	assert.Error(t, ctrl.Start())
	ctrl.Stop()
}

func TestMain_Errors(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"bad log level", "logging: {level: loud}\nchannels: {tx: [{number: 0}]}\n"},
		{"no channels", "dma: {}\n"},
		{"descriptor memory too small", "dma: {descriptors: 8}\nchannels: {tx: [{number: 0, descriptors: 16}]}\n"},
		{"generator without tx", "channels: {rx: [{number: 0}]}\ntraffic: {enabled: true}\n"},
		{"unknown stats type", "channels: {tx: [{number: 0}]}\nstats: {type: carrier-pigeon, interval: 1s}\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Main(loadConfig(t, tt.raw), true, "0.0.0", test.NewLogger())
			require.Error(t, err)
			var ce *util.ContextualError
			assert.ErrorAs(t, err, &ce)
		})
	}
}

func TestMain_BadLink(t *testing.T) {
	_, err := Main(loadConfig(t, "channels: {tx: [{number: 0}]}\nlink: {type: smoke-signal}\n"), false, "0.0.0", test.NewLogger())
	require.Error(t, err)
	assert.ErrorContains(t, err, "link.type was not understood")
}

func TestControl_Loopback(t *testing.T) {
	ctrl, err := Main(loadConfig(t, loopbackConfig), false, "0.0.0", test.NewLogger())
	require.NoError(t, err)
	require.NoError(t, ctrl.Start())

	rx := ring.ChannelID{Direction: ring.RX}
	require.Eventually(t, func() bool {
		return ctrl.sink.Stats(rx).Frames == 200
	}, 10*time.Second, time.Millisecond)

	s := ctrl.sink.Stats(rx)
	assert.Zero(t, s.Malformed)
	assert.Zero(t, s.OutOfOrder)
	assert.EqualValues(t, 200, s.Next)

	engine := ctrl.Engine()
	require.NoError(t, engine.Check())
	ctrl.Stop()

	assert.Equal(t, ring.Closed, engine.Channel(rx).State())
	assert.Equal(t, ring.Closed, engine.Channel(ring.ChannelID{Direction: ring.TX}).State())
}
