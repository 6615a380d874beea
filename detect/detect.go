// Package detect turns the timing profiles of a low-entropy and a
// high-entropy train into a compression verdict.
package detect

import (
	"compression-detector/types"
	"fmt"
	"math"
	"time"
)

const (
	// DefaultMargin is deliberately above the elapsed-time spread ordinary
	// jitter produces between two back-to-back trains.
	DefaultMargin              = 0.2
	DefaultMinReceivedFraction = 0.8
)

type Options struct {
	// Margin is the divergence above which compression is suspected. Nil
	// selects DefaultMargin; zero flags any slowdown of the high train.
	Margin              *float64
	MinReceivedFraction float64
}

// WithMargin returns a copy of o using margin m.
func (o Options) WithMargin(m float64) Options {
	o.Margin = &m
	return o
}

func (o Options) withDefaults() Options {
	if o.Margin == nil {
		o = o.WithMargin(DefaultMargin)
	}
	if o.MinReceivedFraction <= 0 {
		o.MinReceivedFraction = DefaultMinReceivedFraction
	}
	return o
}

// Divergence compares the elapsed time per inter-arrival gap of both trains:
// (high - low) / high, clamped to [-1, 1]. Two empty profiles diverge by 0.
func Divergence(low, high types.TrainMeasurement) float64 {
	nl := float64(low.NormalizedElapsed())
	nh := float64(high.NormalizedElapsed())
	switch {
	case nh == 0 && nl == 0:
		return 0
	case nh == 0:
		return -1
	}
	return clamp((nh-nl)/nh, -1, 1)
}

// Detect produces the verdict for one session. A train that delivered fewer
// than MinReceivedFraction of its packets, or fewer than two, makes the
// verdict inconclusive whatever the divergence.
func Detect(low, high types.TrainMeasurement, opts Options) types.Verdict {
	opts = opts.withDefaults()
	margin := *opts.Margin

	v := types.Verdict{
		Margin:        margin,
		Divergence:    Divergence(low, high),
		JitterRatio:   ratio(high.GapJitter, low.GapJitter),
		WireSizeRatio: wireSizeRatio(low, high),
		Low:           low,
		High:          high,
	}

	if reason := insufficient(low, opts) + insufficient(high, opts); reason != "" {
		v.Outcome = types.OutcomeInconclusive
		v.Reason = reason
		return v
	}

	switch {
	case v.Divergence >= 1:
		// Only reached when the low train took no measurable time.
		v.Outcome = types.OutcomeSuspected
		v.CompressionSuspected = true
		v.Reason = "low entropy train arrived in no measurable time, high entropy train did not"
	case v.Divergence > margin:
		v.Outcome = types.OutcomeSuspected
		v.CompressionSuspected = true
		v.Reason = fmt.Sprintf("high entropy train %.0f%% slower than low entropy train", 100*v.Divergence/(1-v.Divergence))
	default:
		v.Outcome = types.OutcomeNotSuspected
		v.Reason = fmt.Sprintf("divergence %.3f within margin %.3f", v.Divergence, margin)
	}
	return v
}

func insufficient(m types.TrainMeasurement, opts Options) string {
	if m.Received < 2 {
		return fmt.Sprintf("%s train received %d packets; ", m.Class, m.Received)
	}
	if m.ReceivedFraction() < opts.MinReceivedFraction {
		return fmt.Sprintf("%s train received %d/%d packets; ", m.Class, m.Received, m.Expected)
	}
	return ""
}

// wireSizeRatio compares average on-wire bytes per packet of the low train to
// the high train, when a capture observed both. 0 means not measured.
func wireSizeRatio(low, high types.TrainMeasurement) float64 {
	if low.WireSamples == 0 || high.WireSamples == 0 || high.WireBytes == 0 {
		return 0
	}
	lowAvg := float64(low.WireBytes) / float64(low.WireSamples)
	highAvg := float64(high.WireBytes) / float64(high.WireSamples)
	return lowAvg / highAvg
}

func ratio(a, b time.Duration) float64 {
	if b == 0 {
		return 0
	}
	return float64(a) / float64(b)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
