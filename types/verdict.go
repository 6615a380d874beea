package types

import "time"

type Outcome string

const (
	OutcomeSuspected    Outcome = "suspected"
	OutcomeNotSuspected Outcome = "not_suspected"
	OutcomeInconclusive Outcome = "inconclusive"
)

// Verdict is the terminal output of one probing session.
type Verdict struct {
	SessionID            string
	Outcome              Outcome
	CompressionSuspected bool
	Divergence           float64
	Margin               float64
	Reason               string

	// Auxiliary statistics reported alongside the elapsed-time divergence.
	JitterRatio   float64
	WireSizeRatio float64

	Low  TrainMeasurement
	High TrainMeasurement

	DetectedAt time.Time
}

func (v Verdict) Inconclusive() bool {
	return v.Outcome == OutcomeInconclusive
}
