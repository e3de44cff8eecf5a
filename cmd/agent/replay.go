package main

import (
	"fmt"
	"os/signal"
	"syscall"

	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/invisible-tech/privacy-telemetry-sensor/internal/config"
	"github.com/invisible-tech/privacy-telemetry-sensor/internal/detection"
	"github.com/invisible-tech/privacy-telemetry-sensor/internal/eventstore"
	"github.com/invisible-tech/privacy-telemetry-sensor/internal/replay"
	"github.com/invisible-tech/privacy-telemetry-sensor/internal/version"
	"github.com/invisible-tech/privacy-telemetry-sensor/pkg/hostmsg"
	"github.com/invisible-tech/privacy-telemetry-sensor/pkg/session"
	"github.com/invisible-tech/privacy-telemetry-sensor/pkg/transport"
	"github.com/invisible-tech/privacy-telemetry-sensor/pkg/tuning"
)

var replayOpts struct {
	trace      string
	page       string
	endpoint   string
	thresholds string
	loopback   bool
}

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Replay a recorded page activity trace through the sensor.",
	Args:  cobra.NoArgs,
	RunE:  runReplay,
}

func init() {
	f := replayCmd.Flags()
	f.StringVar(&replayOpts.trace, "trace", "", "JSON-lines activity trace (required)")
	f.StringVar(&replayOpts.page, "page", "", "Page URL when the trace names none")
	f.StringVar(&replayOpts.endpoint, "endpoint", "", "Event store endpoint (default $EVENT_STORE_ENDPOINT)")
	f.StringVar(&replayOpts.thresholds, "thresholds", "", "Detection thresholds YAML (default $THRESHOLDS_FILE)")
	f.BoolVar(&replayOpts.loopback, "loopback", false, "Report to an in-process event store instead of the endpoint")
	_ = replayCmd.MarkFlagRequired("trace")
}

func runReplay(cmd *cobra.Command, args []string) error {
	cfg := config.DefaultSensorConfig()
	if replayOpts.endpoint != "" {
		cfg.EventStoreEndpoint = replayOpts.endpoint
	}
	if replayOpts.thresholds != "" {
		cfg.ThresholdsFile = replayOpts.thresholds
	}
	log := newLogger(cfg.LogLevel)

	log.WithFields(logrus.Fields{
		"version": version.Version,
		"trace":   replayOpts.trace,
	}).Info("Starting privacy sensor replay")

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	th := detection.DefaultThresholds()
	if cfg.ThresholdsFile != "" {
		loaded, err := config.LoadThresholds(cfg.ThresholdsFile)
		if err != nil {
			return err
		}
		th = loaded
	}

	tr, err := replay.Load(replayOpts.trace)
	if err != nil {
		return err
	}

	var (
		rt    transport.Runtime
		store *eventstore.Store
	)
	if replayOpts.loopback {
		store = eventstore.New(config.DefaultStoreConfig(), nil, log)
		rt = hostmsg.NewLoopback(store)
	} else {
		rt = hostmsg.NewClient(hostmsg.Config{
			Endpoint: cfg.EventStoreEndpoint,
			APIKey:   cfg.APIKey,
			Timeout:  cfg.SendTimeout,
		}, log)
	}

	var watcher *tuning.Watcher
	player := replay.New(replay.Config{
		Session: session.FromSensorConfig(cfg, replayOpts.page, th),
		OnSession: func(s *session.Session) {
			if cfg.ThresholdsFile == "" {
				return
			}
			w, err := tuning.New(tuning.Config{Path: cfg.ThresholdsFile}, log, s)
			if err != nil {
				log.WithError(err).Warn("Thresholds hot reload disabled")
				return
			}
			watcher = w
			go w.Start(ctx)
		},
	}, rt, log)

	res, err := player.Play(ctx, tr)
	if watcher != nil {
		_ = watcher.Close()
	}
	if err != nil {
		return fmt.Errorf("replay failed: %w", err)
	}

	out := struct {
		*replay.Result
		Pages interface{} `json:"pages,omitempty"`
	}{Result: res}
	if store != nil {
		out.Pages = store.Pages()
	}
	enc := jsoniter.ConfigCompatibleWithStandardLibrary.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
