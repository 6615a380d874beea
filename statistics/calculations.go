package statistics

import (
	"compression-detector/types"
	"math"
	"slices"
	"time"
)

// CalculateQualityScore rates how trustworthy a train's timing is (0-100).
func CalculateQualityScore(m types.TrainMeasurement) float64 {
	score := 100.0
	if m.Expected > 0 {
		score -= math.Min(float64(m.Lost)/float64(m.Expected)*100, 50)
	}
	score -= math.Min(float64(m.Duplicates)*2, 10)
	score -= math.Min(float64(m.Malformed)*5, 20)
	score -= math.Min(float64(m.OutOfOrder)*1, 10)
	if m.TimedOut {
		score -= 5
	}

	if m.Received > 5 && m.MeanGap > 0 {
		cv := float64(m.GapJitter) / float64(m.MeanGap)
		if cv > 0.5 {
			score -= 10
		}
	}

	if score < 0 {
		score = 0
	}
	return score
}

func CalculateAvgDelay(delays []time.Duration) time.Duration {
	if len(delays) == 0 {
		return 0
	}
	var sum time.Duration
	for _, d := range delays {
		sum += d
	}
	return sum / time.Duration(len(delays))
}

func CalculateMedian(delays []time.Duration) time.Duration {
	if len(delays) == 0 {
		return 0
	}
	sorted := slices.Clone(delays)
	slices.Sort(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}

func CalculateJitter(delays []time.Duration) time.Duration {
	if len(delays) < 2 {
		return 0
	}
	avg := CalculateAvgDelay(delays)
	var variance float64
	for _, d := range delays {
		diff := float64(d - avg)
		variance += diff * diff
	}
	variance /= float64(len(delays))
	return time.Duration(math.Sqrt(variance))
}

// InterArrivalGaps returns the gaps between consecutive arrivals in
// physical arrival order, regardless of the order of records.
func InterArrivalGaps(records []types.ArrivalRecord) []time.Duration {
	if len(records) < 2 {
		return nil
	}
	times := make([]time.Time, len(records))
	for i, r := range records {
		times[i] = r.ReceivedAt
	}
	slices.SortFunc(times, func(a, b time.Time) int { return a.Compare(b) })

	gaps := make([]time.Duration, 0, len(times)-1)
	for i := 1; i < len(times); i++ {
		gaps = append(gaps, times[i].Sub(times[i-1]))
	}
	return gaps
}

// Counters are the per-train diagnostics accumulated by the receiver.
type Counters struct {
	Duplicates int
	Malformed  int
	OutOfOrder int
	TimedOut   bool
}

// Summarize derives the statistics of one train. records must hold distinct
// sequence ids; the returned measurement keeps them sorted by id.
func Summarize(class types.EntropyClass, expected int, records []types.ArrivalRecord, c Counters) types.TrainMeasurement {
	sorted := slices.Clone(records)
	slices.SortFunc(sorted, func(a, b types.ArrivalRecord) int {
		switch {
		case a.Seq < b.Seq:
			return -1
		case a.Seq > b.Seq:
			return 1
		}
		return 0
	})

	m := types.TrainMeasurement{
		Class:      class,
		Expected:   expected,
		Records:    sorted,
		Received:   len(sorted),
		Duplicates: c.Duplicates,
		Malformed:  c.Malformed,
		OutOfOrder: c.OutOfOrder,
		TimedOut:   c.TimedOut,
	}
	if lost := expected - m.Received; lost > 0 {
		m.Lost = lost
	}
	for _, r := range sorted {
		m.ReceivedBytes += uint64(r.Length)
	}

	gaps := InterArrivalGaps(sorted)
	for _, g := range gaps {
		m.Elapsed += g
	}
	m.MeanGap = CalculateAvgDelay(gaps)
	m.MedianGap = CalculateMedian(gaps)
	m.GapJitter = CalculateJitter(gaps)
	m.Quality = CalculateQualityScore(m)
	return m
}
