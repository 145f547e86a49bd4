// Command client attaches several consumers to one shared live session,
// prints the envelopes they receive and optionally drives a workout.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/ergometer-live/backend/internal/config"
	"github.com/ergometer-live/backend/internal/endpoint"
	"github.com/ergometer-live/backend/internal/logger"
	"github.com/ergometer-live/backend/internal/model"
	"github.com/ergometer-live/backend/internal/session"
	"github.com/ergometer-live/backend/internal/transport"
)

const connectWait = 30 * time.Second

type options struct {
	configPath string
	url        string
	consumers  int
	record     string
	start      string
	distance   uint
	duration   uint
	stop       bool
}

func main() {
	var opts options
	flag.StringVar(&opts.configPath, "config", os.Getenv("ERGO_CONFIG"), "path to a YAML or TOML config file")
	flag.StringVar(&opts.url, "url", "", "WebSocket URL; overrides client.origin")
	flag.IntVar(&opts.consumers, "consumers", 0, "number of consumers; overrides client.consumers")
	flag.StringVar(&opts.record, "record", "", "record envelope traffic to this file")
	flag.StringVar(&opts.start, "start", "", "start a workout: just_row, fixed_distance or fixed_time")
	flag.UintVar(&opts.distance, "distance", 0, "distance in meters for fixed_distance")
	flag.UintVar(&opts.duration, "time", 0, "time in seconds for fixed_time")
	flag.BoolVar(&opts.stop, "stop", false, "stop the running workout")
	flag.Parse()

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		bootstrap := logger.New(config.Default().Log)
		bootstrap.Fatal().Err(err).Str("path", opts.configPath).Msg("failed to load config")
	}
	log := logger.New(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, opts, log); err != nil {
		log.Fatal().Err(err).Msg("client failed")
	}
}

func run(ctx context.Context, cfg *config.Config, opts options, log zerolog.Logger) error {
	delay, err := cfg.Client.ReconnectInterval()
	if err != nil {
		return err
	}

	var tokens endpoint.TokenSource
	if cfg.Client.Token != "" {
		tokens = endpoint.StaticToken(cfg.Client.Token)
	}

	var provider endpoint.Provider
	if opts.url != "" {
		provider = endpoint.NewStatic(opts.url, tokens)
	} else {
		origin, err := endpoint.NewOrigin(cfg.Client.Origin, cfg.Client.Path, tokens)
		if err != nil {
			return err
		}
		provider = origin
		if opts.configPath != "" {
			go watchEndpoint(ctx, opts.configPath, origin, log)
		}
	}

	url, err := provider.URL(ctx)
	if err != nil {
		return err
	}

	var recorder *logger.Recorder
	if opts.record != "" {
		recorder, err = logger.NewRecorder(opts.record)
		if err != nil {
			return err
		}
		defer recorder.Close()
		if err := recorder.WriteHeader(url); err != nil {
			return err
		}
	}

	registry := session.NewRegistry(session.Options{
		Dialer:         transport.NewWebSocketDialer(log),
		Endpoint:       provider,
		ReconnectDelay: delay,
		BufferSize:     cfg.Client.BufferSize,
		Logger:         log,
	})
	defer registry.Close()

	consumers := cfg.Client.Consumers
	if opts.consumers > 0 {
		consumers = opts.consumers
	}

	subs := make([]*session.Subscription, 0, consumers)
	for i := 0; i < consumers; i++ {
		sub, err := registry.Attach()
		if err != nil {
			return err
		}
		subs = append(subs, sub)
	}

	// Every consumer asks for the connection; the registry opens one.
	var wg sync.WaitGroup
	for _, sub := range subs {
		wg.Add(1)
		go func(sub *session.Subscription) {
			defer wg.Done()
			if err := sub.Connect(url); err != nil {
				log.Error().Err(err).Int64("subscription", sub.ID()).Msg("connect failed")
			}
		}(sub)
	}
	wg.Wait()

	out := json.NewEncoder(os.Stdout)
	var outMu sync.Mutex
	for i, sub := range subs {
		wg.Add(1)
		go func(primary bool, sub *session.Subscription) {
			defer wg.Done()
			consume(sub, primary, recorder, out, &outMu, log)
		}(i == 0, sub)
	}

	lead := subs[0]
	if err := waitConnected(ctx, lead); err != nil {
		log.Warn().Err(err).Msg("not connected, commands skipped")
	} else {
		for _, env := range commands(opts) {
			if err := lead.Send(env); err != nil {
				log.Error().Err(err).Str("type", env.Type).Msg("send failed")
				continue
			}
			if recorder != nil {
				recorder.RecordOut(env)
			}
		}
	}

	<-ctx.Done()
	log.Info().Msg("interrupted, disconnecting")
	if err := lead.Disconnect(); err != nil {
		log.Warn().Err(err).Msg("disconnect failed")
	}
	for _, sub := range subs {
		sub.Release()
	}
	wg.Wait()
	return nil
}

// consume prints envelopes until the subscription is released. Only the
// primary consumer prints and records; the others log what they see.
func consume(sub *session.Subscription, primary bool, recorder *logger.Recorder, out *json.Encoder, outMu *sync.Mutex, log zerolog.Logger) {
	updates := sub.Updates()
	received := sub.Received()
	state := sub.Snapshot().State

	for updates != nil || received != nil {
		select {
		case _, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			snap := sub.Snapshot()
			if snap.State != state {
				state = snap.State
				log.Info().Int64("subscription", sub.ID()).Str("state", state.String()).Str("error", snap.Error).Msg("session state changed")
			}
		case env, ok := <-received:
			if !ok {
				received = nil
				continue
			}
			if !primary {
				log.Debug().Int64("subscription", sub.ID()).Str("type", env.Type).Msg("envelope")
				continue
			}
			if recorder != nil {
				recorder.RecordIn(env)
			}
			outMu.Lock()
			out.Encode(env)
			outMu.Unlock()
		}
	}
}

func waitConnected(ctx context.Context, sub *session.Subscription) error {
	timeout := time.NewTimer(connectWait)
	defer timeout.Stop()

	for !sub.Connected() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timeout.C:
			return context.DeadlineExceeded
		case <-time.After(100 * time.Millisecond):
		}
	}
	return nil
}

func commands(opts options) []model.Envelope {
	envs := []model.Envelope{{Type: model.TypeGetStatus}}

	if opts.start != "" {
		params := model.WorkoutParams{
			WorkoutType: opts.start,
			Distance:    uint32(opts.distance),
			Time:        uint32(opts.duration),
		}
		if env, err := model.NewEnvelope(model.TypeStartWorkout, params); err == nil {
			envs = append(envs, env)
		}
	}
	if opts.stop {
		envs = append(envs, model.Envelope{Type: model.TypeStopWorkout})
	}
	return envs
}

func watchEndpoint(ctx context.Context, path string, origin *endpoint.Origin, log zerolog.Logger) {
	err := config.Watch(ctx, path, log, func(cfg *config.Config) {
		if err := origin.Set(cfg.Client.Origin, cfg.Client.Path); err != nil {
			log.Warn().Err(err).Msg("ignoring invalid client origin")
			return
		}
		log.Info().Str("origin", cfg.Client.Origin).Msg("endpoint updated, applies on next reconnect")
	})
	if err != nil && ctx.Err() == nil {
		log.Warn().Err(err).Msg("config watch stopped")
	}
}
