package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/usestring/webreplay/internal/alert"
	"github.com/usestring/webreplay/internal/api"
	"github.com/usestring/webreplay/internal/buffer"
	"github.com/usestring/webreplay/internal/config"
	"github.com/usestring/webreplay/internal/decode"
	"github.com/usestring/webreplay/internal/engine"
	"github.com/usestring/webreplay/internal/ingest"
	"github.com/usestring/webreplay/internal/jobs"
	"github.com/usestring/webreplay/internal/logging"
	"github.com/usestring/webreplay/internal/pcapring"
	"github.com/usestring/webreplay/internal/reconstruct"
)

func newRunCmd() *cobra.Command {
	var envFiles []string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the capture engines, the flow buffer and the status API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return runService(ctx, envFiles)
		},
	}
	cmd.Flags().StringSliceVar(&envFiles, "env-file", nil, "Env files to load (default .env)")
	return cmd
}

func runService(ctx context.Context, envFiles []string) error {
	cfg, err := config.Load(envFiles...)
	if err != nil {
		return err
	}

	_, closeLog, err := logging.Setup(logging.Config{
		Level:      cfg.LogLevel,
		FilePath:   cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		MaxAgeDays: cfg.LogMaxAgeDays,
		Compress:   cfg.LogCompress,
		Console:    true,
	})
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}
	defer closeLog()

	if err := cfg.EnsureDirs(); err != nil {
		return err
	}

	buf, err := buffer.New(cfg.BufferCapacity())
	if err != nil {
		return err
	}
	slog.Info("flow buffer ready",
		slog.Int("capacity", buf.Cap()),
		slog.Int("buffer_minutes", cfg.BufferMinutes),
		slog.Int("window_minutes", cfg.WindowMinutes),
	)

	pipeline := reconstruct.New(reconstruct.Options{
		Decoder:    decode.New(cfg.MaxDecodedBytes),
		CacheItems: cfg.DecodeCacheItems,
		Logger:     logging.Component("reconstruct"),
	})
	jobLog := logging.Component("jobs")
	runner := jobs.NewRunner(ctx, jobs.Reconstruction(pipeline, cfg.ReconstructedDir(), jobLog), jobLog)

	// Intercepting proxy: its stdout is the flow feed. Without it there is
	// nothing to capture, so a missing binary is fatal.
	mitmArgs, err := engine.MitmdumpArgs(cfg.MitmAddon, cfg.ProxyListen)
	if err != nil {
		return err
	}
	mitm := &engine.Process{
		Name:   "mitmdump",
		Path:   cfg.MitmdumpPath,
		Args:   mitmArgs,
		Env:    []string{"PYTHONUNBUFFERED=1"},
		Output: true,
		Logger: logging.Component("engine"),
	}
	feed, err := mitm.Start(ctx)
	if err != nil {
		return err
	}
	defer mitm.Stop()

	feedDone := make(chan struct{})
	go func() {
		defer close(feedDone)
		defer feed.Close()
		stats, err := ingest.NewFeeder(buf, nil, logging.Component("ingest")).Feed(ctx, feed)
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("capture feed stopped", "error", err)
		}
		slog.Info("capture feed closed",
			slog.Int("lines", stats.Lines),
			slog.Int("records", stats.Records),
			slog.Int("skipped", stats.Skipped),
		)
	}()

	// Packet capturer: optional, the HTTP windows are still useful without it.
	dumpcap := &engine.Process{
		Name:   "dumpcap",
		Path:   cfg.DumpcapPath,
		Args:   engine.DumpcapArgs(cfg.CaptureIface, cfg.RingDir(), cfg.RingFiles, cfg.RingDurationS),
		Logger: logging.Component("engine"),
	}
	var ring alert.Merger
	if cfg.DisablePackets {
		slog.Info("packet capture disabled")
	} else {
		if _, err := dumpcap.Start(ctx); err != nil {
			if !errors.Is(err, engine.ErrNotFound) {
				return err
			}
			slog.Warn("packet capture unavailable", "error", err)
		} else {
			defer dumpcap.Stop()
		}
		ring = &pcapring.Ring{Dir: cfg.RingDir(), Logger: logging.Component("pcapring")}
	}

	policy, err := alert.ParseOverlapPolicy(cfg.OverlapPolicy)
	if err != nil {
		return err
	}
	extractor, err := alert.NewExtractor(alert.Config{
		Window:        cfg.Window(),
		FutureDelay:   cfg.FutureDelay,
		RotationFiles: cfg.RotationFiles,
		WebDir:        cfg.WebDir(),
		PcapDir:       cfg.PcapDir(),
		Policy:        policy,
	}, alert.Deps{
		Buffer: buf,
		Ring:   ring,
		Jobs:   runner,
		Logger: logging.Component("alert"),
	})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr: cfg.APIAddr,
		Handler: api.NewServer(api.Deps{
			State:            extractor.State(),
			Alerts:           extractor,
			Buffer:           buf,
			Engines:          map[string]api.Runner{"mitmdump": mitm, "dumpcap": dumpcap},
			Jobs:             runner,
			ReconstructedDir: cfg.ReconstructedDir(),
			PcapDir:          cfg.PcapDir(),
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	srvErr := make(chan error, 1)
	go func() {
		slog.Info("status API listening", "addr", cfg.APIAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case err := <-srvErr:
		slog.Error("status API failed", "error", err)
	case <-feedDone:
		slog.Error("capture engine exited, shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("status API shutdown", "error", err)
	}
	mitm.Stop()
	<-feedDone
	extractor.Stop()
	runner.Wait()

	slog.Info("stopped", "alerts", extractor.State().Status().Alerts)
	return nil
}
