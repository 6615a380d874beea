package session

import (
	"compression-detector/control"
	"compression-detector/train"
	"compression-detector/transmit"
	"compression-detector/types"
	"context"
	"fmt"
	"log/slog"
	"time"
)

const DefaultResultTimeout = 30 * time.Second

// InitiatorOptions configures an Initiator. Zero values select defaults.
type InitiatorOptions struct {
	HandshakeTimeout time.Duration
	// FetchResult collects the verdict from the responder's result port
	// after the high entropy train.
	FetchResult   bool
	ResultTimeout time.Duration
	Clock         types.Clock
	Logger        *slog.Logger
}

// Initiator drives one probing session from the sending side.
type Initiator struct {
	cfg  types.ProbeConfig
	opts InitiatorOptions
}

func NewInitiator(cfg types.ProbeConfig, opts InitiatorOptions) *Initiator {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = control.DefaultHandshakeTimeout
	}
	if opts.ResultTimeout <= 0 {
		opts.ResultTimeout = DefaultResultTimeout
	}
	if opts.Clock == nil {
		opts.Clock = types.SystemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Initiator{cfg: cfg, opts: opts}
}

// Report is what the initiator knows after a session. Verdict is set only
// when the result was fetched.
type Report struct {
	Agreement control.Agreement
	Low       types.SendReport
	High      types.SendReport
	Verdict   *types.Verdict
}

// Run negotiates, sends the low entropy train, waits the inter-measurement
// wait, sends the high entropy train and optionally fetches the verdict.
// The probe socket is closed before Run returns.
func (i *Initiator) Run(ctx context.Context) (Report, error) {
	var report Report
	logger := i.opts.Logger.With("peer", i.cfg.Peer())

	agreement, err := control.Negotiate(ctx, i.cfg, i.opts.HandshakeTimeout)
	if err != nil {
		return report, err
	}
	report.Agreement = agreement
	cfg := agreement.Config
	if agreement.Clamped != 0 {
		logger.Warn("Responder clamped probe parameters", "fields", agreement.Clamped.String(), "config", cfg.String())
	}

	conn, err := transmit.Open(cfg)
	if err != nil {
		return report, err
	}
	defer conn.Close()

	for _, class := range []types.EntropyClass{types.EntropyLow, types.EntropyHigh} {
		for pkt := range train.Generate(1, cfg.PayloadSize(), class) {
			logger.Debug("Train payload", "class", class, "gzip_ratio", train.Compressibility(pkt.Payload))
		}
	}

	send := transmit.Options{
		Delay:  cfg.InterSendDelay(),
		Clock:  i.opts.Clock,
		Logger: logger,
	}

	report.Low, err = transmit.SendTrain(ctx, conn, train.Generate(cfg.PacketCount(), cfg.PayloadSize(), types.EntropyLow), send)
	if err != nil {
		return report, err
	}
	logger.Info("Low entropy train sent", "sent", report.Low.Sent, "failed", report.Low.Failed, "elapsed", report.Low.Elapsed)

	if err := wait(ctx, cfg.InterMeasurementWait()); err != nil {
		return report, err
	}

	report.High, err = transmit.SendTrain(ctx, conn, train.Generate(cfg.PacketCount(), cfg.PayloadSize(), types.EntropyHigh), send)
	if err != nil {
		return report, err
	}
	logger.Info("High entropy train sent", "sent", report.High.Sent, "failed", report.High.Failed, "elapsed", report.High.Elapsed)

	if !i.opts.FetchResult {
		return report, nil
	}
	verdict, err := control.FetchResult(ctx, cfg.ResultAddr(), i.opts.ResultTimeout)
	if err != nil {
		return report, err
	}
	report.Verdict = &verdict
	return report, nil
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: inter-measurement wait: %w", types.ErrCancelled, ctx.Err())
	case <-timer.C:
		return nil
	}
}
