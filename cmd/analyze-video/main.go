// Command analyze-video runs the batch processor over one video file and
// writes analysis_results.json.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/lmittmann/tint"

	"github.com/githukelvin/AI-CCTV-Surveillance/internal/alert"
	"github.com/githukelvin/AI-CCTV-Surveillance/internal/batch"
	"github.com/githukelvin/AI-CCTV-Surveillance/internal/classify"
	"github.com/githukelvin/AI-CCTV-Surveillance/internal/config"
	"github.com/githukelvin/AI-CCTV-Surveillance/internal/media"
	"github.com/githukelvin/AI-CCTV-Surveillance/internal/notify"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file (defaults when empty)")
	outDir := flag.String("out", ".", "Directory for analysis_results.json")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: analyze-video [-config file] [-out dir] video.mp4\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      logLevel,
		TimeFormat: "15:04:05",
	})))

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	if err := run(*configPath, flag.Arg(0), *outDir); err != nil {
		slog.Error("analysis failed", "error", err)
		os.Exit(1)
	}
}

func run(configPath, videoPath, outDir string) error {
	cfg := config.Default()
	if configPath != "" {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var model classify.Model
	if cfg.Model.Path != "" {
		pm, err := classify.StartPythonModel(classify.PythonConfig{
			PythonBin:      cfg.Model.PythonBin,
			Script:         cfg.Model.WorkerScript,
			ModelPath:      cfg.Model.Path,
			SequenceLength: cfg.Model.SequenceLength,
			ImageSize:      cfg.Model.ImageSize,
			Mean:           cfg.Model.Mean,
			Std:            cfg.Model.Std,
			Labels:         cfg.Model.Labels,
			Timeout:        cfg.Model.InferenceTimeout(),
		})
		if err != nil {
			return fmt.Errorf("failed to start model: %w", err)
		}
		defer pm.Close()
		model = pm
	} else {
		slog.Warn("model.path not set, no windows will be classified")
	}

	lib, err := media.New(cfg.Media.Root, cfg.Media.URLPrefix)
	if err != nil {
		return err
	}
	pipeline, err := alert.NewPipeline(alert.NewMemoryStore(lib), notify.LogNotifier{}, alert.Config{
		Threshold:   cfg.Alerting.ConfidenceThreshold,
		StatsWindow: cfg.Alerting.StatsWindow(),
		Recipients:  cfg.Alerting.Recipients,
		JPEGQuality: cfg.Stream.JPEGQuality,
	})
	if err != nil {
		return err
	}

	decoder, err := batch.NewDecoder(cfg.Batch.Decoder)
	if err != nil {
		return err
	}
	proc, err := batch.NewProcessor(decoder, model, pipeline, batch.Config{
		SequenceLength: cfg.Model.SequenceLength,
		Labels:         cfg.Model.Labels,
		FallbackFPS:    cfg.Batch.FallbackFPS,
		TopN:           cfg.Alerting.BatchTopN,
	})
	if err != nil {
		return err
	}

	records, err := proc.Process(ctx, videoPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return err
	}
	path, err := batch.WriteResults(outDir, records)
	if err != nil {
		return err
	}

	alerted := 0
	for _, r := range records {
		if r.AlertID != nil {
			alerted++
		}
	}
	slog.Info("analysis complete", "windows", len(records), "alerts", alerted, "results", path)
	return nil
}
