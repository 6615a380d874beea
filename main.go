package main

import (
	"compression-detector/capture"
	"compression-detector/config"
	"compression-detector/prom"
	"compression-detector/session"
	"compression-detector/sink"
	"context"
	"errors"
	"flag"
	"fmt"
	"html"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func initLogger(debug bool) *slog.Logger {
	logLevel := slog.LevelInfo
	if debug {
		logLevel = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{
		Level: logLevel,
	}
	handler := slog.NewTextHandler(os.Stdout, opts)
	return slog.New(handler)
}

func main() {
	var (
		configPath  = flag.String("config", "", "Path to the YAML configuration file")
		role        = flag.String("role", "responder", "Session role: initiator or responder")
		peer        = flag.String("peer", "", "Responder address, overrides probe.peer")
		debug       = flag.Bool("debug", false, "Enable debug logging")
		goMetrics   = flag.Bool("go-metrics", false, "Enable Go Metrics")
		procMetrics = flag.Bool("process-metrics", false, "Enable process metrics")
	)
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *peer != "" {
		cfg.Probe.Peer = *peer
	}

	logger := initLogger(*debug || cfg.Observability.Debug)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch *role {
	case "initiator":
		err = runInitiator(ctx, cfg, logger)
	case "responder":
		err = runResponder(ctx, cfg, logger, *goMetrics, *procMetrics)
	default:
		err = fmt.Errorf("unknown role %q", *role)
	}
	if err != nil {
		logger.Error("Exiting", "error", err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Parse(nil)
	}
	return config.Load(path)
}

func runInitiator(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	probe, err := cfg.ProbeConfig()
	if err != nil {
		return err
	}
	logger.Info("Starting compression probe", "config", probe.String())

	initiator := session.NewInitiator(probe, session.InitiatorOptions{
		HandshakeTimeout: cfg.Probe.HandshakeTimeout,
		FetchResult:      cfg.Probe.FetchResult,
		Logger:           logger,
	})
	report, err := initiator.Run(ctx)
	if err != nil {
		return err
	}

	if report.Verdict == nil {
		logger.Info("Probe trains sent, verdict is available on the responder")
		return nil
	}
	return sink.LogSink{Logger: logger}.Publish(ctx, *report.Verdict)
}

func runResponder(ctx context.Context, cfg *config.Config, logger *slog.Logger, goMetrics, procMetrics bool) error {
	obs := cfg.Observability
	sinks := sink.Multi{sink.LogSink{Logger: logger}}

	if obs.ResultsFile != "" {
		file, err := sink.OpenFile(obs.ResultsFile)
		if err != nil {
			return err
		}
		defer file.Close()
		sinks = append(sinks, file)
	}

	collector := prom.NewProbeCollector()
	if obs.Metrics.Enabled {
		prometheus.MustRegister(collector)

		if !goMetrics {
			prometheus.Unregister(collectors.NewGoCollector())
		}

		if !procMetrics {
			prometheus.Unregister(collectors.NewProcessCollector(
				collectors.ProcessCollectorOpts{},
			))
		}

		go collector.CleanupOldSessions(obs.SessionRetention, time.Minute, ctx.Done())

		mux := http.NewServeMux()
		mux.Handle(obs.Metrics.Path, promhttp.Handler())
		if obs.WebSocket.Enabled {
			hub := sink.NewHub(logger)
			go hub.Run(ctx)
			sinks = append(sinks, hub)
			mux.HandleFunc(obs.WebSocket.Path, hub.ServeWs)
		}
		mux.HandleFunc("/", indexHandler(collector, obs.Metrics.Path, logger))

		server := &http.Server{Addr: obs.Metrics.Address, Handler: mux}
		go func() {
			logger.Info(fmt.Sprintf("Starting HTTP server on %s", obs.Metrics.Address))
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("HTTP server stopped", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = server.Shutdown(shutdownCtx)
		}()
	}

	opts := session.ResponderOptions{
		ListenAddress:    cfg.Responder.ListenAddress,
		Limits:           cfg.Limits(),
		HandshakeTimeout: cfg.Responder.HandshakeTimeout,
		IdleTimeout:      cfg.Responder.SessionTimeout,
		ServeResult:      true,
		ResultWait:       cfg.Responder.ResultWait,
		MaxSessions:      cfg.Responder.MaxSessions,
		Detect:           cfg.DetectOptions(),
		Collector:        collector,
		Sink:             sinks,
		Logger:           logger,
	}
	if cfg.Responder.Capture.Enabled {
		iface := cfg.Responder.Capture.Interface
		opts.OpenCapture = func(port uint16, peer string) (session.WireSource, error) {
			tap, err := capture.OpenTap(capture.TapConfig{Interface: iface, Port: port, Peer: peer}, logger)
			if err != nil {
				return nil, err
			}
			return tap, nil
		}
	}

	addr := net.JoinHostPort(cfg.Responder.ListenAddress, strconv.Itoa(int(cfg.Responder.ControlPort)))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("binding control port: %w", err)
	}
	defer ln.Close()

	return session.NewResponder(opts).Serve(ctx, ln)
}

func indexHandler(collector *prom.ProbeCollector, metricsPath string, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		collector.SessionsMux.RLock()
		entries := make([]*prom.SessionEntry, 0, len(collector.Sessions))
		for _, entry := range collector.Sessions {
			entries = append(entries, entry)
		}
		collector.SessionsMux.RUnlock()
		sort.Slice(entries, func(i, j int) bool {
			return entries[i].ObservedAt.After(entries[j].ObservedAt)
		})

		page := fmt.Sprintf(`<html>
			<head><title>Compression Detector</title></head>
			<body>
			<h1>Compression Detector</h1>
			<p><a href="%s">Metrics</a></p>`, html.EscapeString(metricsPath))

		if len(entries) > 0 {
			page += `
			<h2>Recent Sessions:</h2>
			<ul>`
			for _, entry := range entries {
				v := entry.Verdict
				page += fmt.Sprintf(`
				<li>%s: %s (divergence %.3f, low %d/%d, high %d/%d)</li>`,
					html.EscapeString(v.SessionID), html.EscapeString(string(v.Outcome)), v.Divergence,
					v.Low.Received, v.Low.Expected, v.High.Received, v.High.Expected)
			}
			page += `
			</ul>`
		}

		page += `</body></html>`
		_, err := w.Write([]byte(page))
		if err != nil {
			logger.Error(fmt.Sprintf("Error writing HTTP response for / to client %s", r.RemoteAddr), "error", err)
		}
	}
}
