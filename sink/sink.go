// Package sink delivers finished verdicts to their consumers: the log, a
// JSON-lines results file and live websocket subscribers.
package sink

import (
	"compression-detector/types"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Sink receives one verdict per completed session.
type Sink interface {
	Publish(ctx context.Context, v types.Verdict) error
}

// TrainRecord is the serialized summary of one train.
type TrainRecord struct {
	Class       string  `json:"class"`
	Stream      string  `json:"stream,omitempty"`
	Expected    int     `json:"expected"`
	Received    int     `json:"received"`
	Lost        int     `json:"lost"`
	Duplicates  int     `json:"duplicates"`
	Malformed   int     `json:"malformed"`
	OutOfOrder  int     `json:"outOfOrder"`
	TimedOut    bool    `json:"timedOut"`
	ElapsedMs   float64 `json:"elapsedMs"`
	MeanGapUs   float64 `json:"meanGapUs"`
	MedianGapUs float64 `json:"medianGapUs"`
	JitterUs    float64 `json:"jitterUs"`
	Quality     float64 `json:"quality"`
	WireBytes   uint64  `json:"wireBytes,omitempty"`
}

// Record is the serialized form of a verdict. Arrival records are omitted.
type Record struct {
	SessionID            string      `json:"sessionId"`
	Outcome              string      `json:"outcome"`
	CompressionSuspected bool        `json:"compressionSuspected"`
	Divergence           float64     `json:"divergence"`
	Margin               float64     `json:"margin"`
	Reason               string      `json:"reason,omitempty"`
	JitterRatio          float64     `json:"jitterRatio"`
	WireSizeRatio        float64     `json:"wireSizeRatio,omitempty"`
	Low                  TrainRecord `json:"low"`
	High                 TrainRecord `json:"high"`
	DetectedAt           time.Time   `json:"detectedAt"`
}

func newTrainRecord(m types.TrainMeasurement) TrainRecord {
	r := TrainRecord{
		Class:       m.Class.String(),
		Expected:    m.Expected,
		Received:    m.Received,
		Lost:        m.Lost,
		Duplicates:  m.Duplicates,
		Malformed:   m.Malformed,
		OutOfOrder:  m.OutOfOrder,
		TimedOut:    m.TimedOut,
		ElapsedMs:   float64(m.Elapsed) / float64(time.Millisecond),
		MeanGapUs:   float64(m.MeanGap) / float64(time.Microsecond),
		MedianGapUs: float64(m.MedianGap) / float64(time.Microsecond),
		JitterUs:    float64(m.GapJitter) / float64(time.Microsecond),
		Quality:     m.Quality,
		WireBytes:   m.WireBytes,
	}
	if m.Stream != (types.StreamKey{}) {
		r.Stream = m.Stream.String()
	}
	return r
}

func NewRecord(v types.Verdict) Record {
	return Record{
		SessionID:            v.SessionID,
		Outcome:              string(v.Outcome),
		CompressionSuspected: v.CompressionSuspected,
		Divergence:           v.Divergence,
		Margin:               v.Margin,
		Reason:               v.Reason,
		JitterRatio:          v.JitterRatio,
		WireSizeRatio:        v.WireSizeRatio,
		Low:                  newTrainRecord(v.Low),
		High:                 newTrainRecord(v.High),
		DetectedAt:           v.DetectedAt,
	}
}

// Multi fans a verdict out to every sink. All sinks are tried; their errors
// are joined.
type Multi []Sink

func (m Multi) Publish(ctx context.Context, v types.Verdict) error {
	var errs []error
	for _, s := range m {
		if err := s.Publish(ctx, v); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogSink writes the verdict as a structured log line.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Publish(ctx context.Context, v types.Verdict) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "Compression verdict",
		"session", v.SessionID,
		"outcome", v.Outcome,
		"suspected", v.CompressionSuspected,
		"divergence", v.Divergence,
		"margin", v.Margin,
		"low_received", v.Low.Received,
		"high_received", v.High.Received,
		"low_elapsed", v.Low.Elapsed,
		"high_elapsed", v.High.Elapsed,
		"reason", v.Reason,
	)
	return nil
}

// FileSink appends one JSON object per verdict to a file.
type FileSink struct {
	mu   sync.Mutex
	file *os.File
	enc  *json.Encoder
}

func OpenFile(path string) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening results file: %w", err)
	}
	return &FileSink{file: f, enc: json.NewEncoder(f)}, nil
}

func (s *FileSink) Publish(_ context.Context, v types.Verdict) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enc.Encode(NewRecord(v)); err != nil {
		return fmt.Errorf("writing result: %w", err)
	}
	return nil
}

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}
