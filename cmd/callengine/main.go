package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/inmobot-ai/callengine/pkg/audio"
	"github.com/inmobot-ai/callengine/pkg/call"
	"github.com/inmobot-ai/callengine/pkg/config"
	"github.com/inmobot-ai/callengine/pkg/convo"
	"github.com/inmobot-ai/callengine/pkg/events"
	"github.com/inmobot-ai/callengine/pkg/logger"
	"github.com/inmobot-ai/callengine/pkg/playback"
)

func main() {
	var (
		envFile     = flag.String("env", ".env", "path to env file")
		metricsAddr = flag.String("metrics", "", "address for the metrics endpoint, empty to disable")
	)
	flag.Parse()

	if err := config.Load(*envFile); err != nil {
		panic(err)
	}
	cfg := config.GlobalConfig

	if err := logger.Init(&cfg.Log, cfg.Mode); err != nil {
		panic(err)
	}
	defer logger.Sync()
	log := logger.Lg

	if *metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				log.Warn("[Main] metrics endpoint failed", zap.Error(err))
			}
		}()
	}

	if err := run(cfg, log); err != nil {
		log.Error("[Main] call failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	// The microphone data callback is bound after the engine exists; the
	// device only starts delivering once the engine prepares it.
	var feed func([]byte)
	mic, err := audio.NewMicSource(cfg.Engine.SampleRate, cfg.Engine.Channels, func(chunk []byte) {
		if feed != nil {
			feed(chunk)
		}
	}, log)
	if err != nil {
		return err
	}

	pipe := audio.NewCapturePipe(mic,
		cfg.Engine.SampleRate, cfg.Engine.Channels, cfg.Engine.MinUtteranceBytes, log)

	speaker, err := playback.NewSpeaker(cfg.Engine.SampleRate, cfg.Engine.Channels, log)
	if err != nil {
		return err
	}
	defer speaker.Close()

	client := convo.NewClient(convo.Options{
		BaseURL: cfg.Service.BaseURL,
		APIKey:  cfg.Service.APIKey,
		Voice:   cfg.Service.Voice,
		Timeout: cfg.Service.Timeout,
	}, log)
	sequencer := playback.NewSequencer(speaker, client, log)

	bus := events.NewBus(log)
	bus.Subscribe(events.TypeTurnCompleted, func(ev events.Event) error {
		log.Info("[Main] turn",
			zap.Any("transcript", ev.Data["transcript"]),
			zap.Any("reply", ev.Data["reply"]))
		return nil
	})

	engine, err := call.NewEngine(cfg, call.EngineDeps{
		Capture: pipe,
		Track:   mic,
		Speaker: sequencer,
		Service: client,
		Bus:     bus,
		Logger:  log,
	})
	if err != nil {
		return err
	}

	switch e := engine.(type) {
	case *call.DuplexSession:
		feed = e.Feed
	default:
		feed = pipe.Append
	}

	ctx := context.Background()
	if err := engine.Start(ctx); err != nil {
		return err
	}
	log.Info("[Main] call started", zap.String("strategy", cfg.Engine.Strategy))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
		engine.End(call.ReasonHangup)
		<-engine.Done()
	case <-engine.Done():
	}

	log.Info("[Main] call ended",
		zap.String("reason", string(engine.Reason())),
		zap.Int("duration_seconds", engine.DurationSeconds()),
		zap.Int("transcript_lines", len(engine.Transcript())))
	return nil
}
