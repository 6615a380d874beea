package detect

import (
	"compression-detector/types"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func measurement(class types.EntropyClass, expected, received int, elapsed time.Duration) types.TrainMeasurement {
	return types.TrainMeasurement{
		Class:    class,
		Expected: expected,
		Received: received,
		Lost:     expected - received,
		Elapsed:  elapsed,
	}
}

func TestDetect_IdenticalElapsed(t *testing.T) {
	for _, margin := range []float64{0.01, 0.2, 0.9} {
		low := measurement(types.EntropyLow, 100, 100, 100*time.Millisecond)
		high := measurement(types.EntropyHigh, 100, 100, 100*time.Millisecond)

		v := Detect(low, high, Options{}.WithMargin(margin))
		assert.Equal(t, 0.0, v.Divergence)
		assert.Equal(t, types.OutcomeNotSuspected, v.Outcome)
		assert.False(t, v.CompressionSuspected)
	}
}

func TestDetect_Suspected(t *testing.T) {
	low := measurement(types.EntropyLow, 100, 100, 100*time.Millisecond)
	high := measurement(types.EntropyHigh, 100, 100, 150*time.Millisecond)

	v := Detect(low, high, Options{}.WithMargin(0.2))
	assert.Equal(t, types.OutcomeSuspected, v.Outcome)
	assert.True(t, v.CompressionSuspected)
	assert.InDelta(t, 1.0/3.0, v.Divergence, 0.001)
	assert.Equal(t, 0.2, v.Margin)
	assert.Contains(t, v.Reason, "50%")
}

func TestDetect_InconclusiveOnLoss(t *testing.T) {
	low := measurement(types.EntropyLow, 100, 79, 100*time.Millisecond)
	high := measurement(types.EntropyHigh, 100, 100, 300*time.Millisecond)

	v := Detect(low, high, Options{}.WithMargin(0.2))
	assert.Equal(t, types.OutcomeInconclusive, v.Outcome)
	assert.True(t, v.Inconclusive())
	assert.False(t, v.CompressionSuspected)
	assert.Greater(t, v.Divergence, 0.2)
	assert.Contains(t, v.Reason, "low train received 79/100")

	v = Detect(high, measurement(types.EntropyHigh, 100, 50, time.Second), Options{})
	assert.Equal(t, types.OutcomeInconclusive, v.Outcome)
}

func TestDetect_ExactlyMinimumFraction(t *testing.T) {
	low := measurement(types.EntropyLow, 10, 8, 70*time.Millisecond)
	high := measurement(types.EntropyHigh, 10, 8, 140*time.Millisecond)

	v := Detect(low, high, Options{})
	assert.Equal(t, types.OutcomeSuspected, v.Outcome)
}

func TestDetect_TooFewPackets(t *testing.T) {
	low := measurement(types.EntropyLow, 1, 1, 0)
	high := measurement(types.EntropyHigh, 1, 1, 0)

	v := Detect(low, high, Options{})
	assert.Equal(t, types.OutcomeInconclusive, v.Outcome)
	assert.Equal(t, 0.0, v.Divergence)
}

func TestDetect_NormalizesByReceived(t *testing.T) {
	// Same per-gap spacing, different numbers of packets delivered.
	low := measurement(types.EntropyLow, 100, 91, 90*time.Millisecond)
	high := measurement(types.EntropyHigh, 100, 100, 99*time.Millisecond)

	v := Detect(low, high, Options{})
	assert.InDelta(t, 0.0, v.Divergence, 1e-9)
	assert.Equal(t, types.OutcomeNotSuspected, v.Outcome)
}

func TestDivergence_Clamped(t *testing.T) {
	low := measurement(types.EntropyLow, 10, 10, 900*time.Millisecond)
	high := measurement(types.EntropyHigh, 10, 10, 100*time.Millisecond)
	assert.Equal(t, -1.0, Divergence(low, high))

	high.Elapsed = 0
	assert.Equal(t, -1.0, Divergence(low, high))
}

func TestDetect_DefaultsApplied(t *testing.T) {
	v := Detect(types.TrainMeasurement{}, types.TrainMeasurement{}, Options{})
	assert.Equal(t, DefaultMargin, v.Margin)
}

func TestDetect_ZeroMargin(t *testing.T) {
	low := measurement(types.EntropyLow, 100, 100, 100*time.Millisecond)
	high := measurement(types.EntropyHigh, 100, 100, 105*time.Millisecond)

	v := Detect(low, high, Options{}.WithMargin(0))
	assert.Zero(t, v.Margin)
	assert.Equal(t, types.OutcomeSuspected, v.Outcome)

	v = Detect(low, high, Options{})
	assert.Equal(t, types.OutcomeNotSuspected, v.Outcome)
}

func TestDetect_LowTrainNoElapsedTime(t *testing.T) {
	low := measurement(types.EntropyLow, 10, 10, 0)
	high := measurement(types.EntropyHigh, 10, 10, 50*time.Millisecond)

	v := Detect(low, high, Options{})
	assert.Equal(t, 1.0, v.Divergence)
	assert.Equal(t, types.OutcomeSuspected, v.Outcome)
	assert.NotContains(t, v.Reason, "Inf")
	assert.Contains(t, v.Reason, "no measurable time")
}

func TestDetect_AuxiliaryRatios(t *testing.T) {
	low := measurement(types.EntropyLow, 10, 10, 100*time.Millisecond)
	low.GapJitter = time.Millisecond
	low.WireSamples, low.WireBytes = 10, 4000
	high := measurement(types.EntropyHigh, 10, 10, 100*time.Millisecond)
	high.GapJitter = 2 * time.Millisecond
	high.WireSamples, high.WireBytes = 10, 10000

	v := Detect(low, high, Options{})
	assert.InDelta(t, 2.0, v.JitterRatio, 1e-9)
	assert.InDelta(t, 0.4, v.WireSizeRatio, 1e-9)
}
