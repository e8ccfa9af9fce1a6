package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/ryansname/gridctl/config"
	"github.com/ryansname/gridctl/distribute"
	"github.com/ryansname/gridctl/health"
	"github.com/ryansname/gridctl/logging"
	"github.com/ryansname/gridctl/metrics"
	"github.com/ryansname/gridctl/microgrid"
	"github.com/ryansname/gridctl/resample"
)

func main() {
	var configPath string
	var console bool

	root := &cobra.Command{
		Use:   "gridctl",
		Short: "Microgrid battery power distribution and telemetry resampling",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "gridctl.yaml", "Path to the configuration file")

	run := &cobra.Command{
		Use:   "run",
		Short: "Run the distributor and resampler against the configured microgrid",
		RunE: func(_ *cobra.Command, _ []string) error {
			return runDaemon(configPath, console)
		},
	}
	run.Flags().BoolVar(&console, "console", false, "Attach an interactive console for submitting power requests")
	root.AddCommand(run)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runDaemon(configPath string, console bool) error {
	// Credentials live in .env, everything else in the config file.
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("No .env file loaded")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := logging.Setup(cfg.Logging.Level, cfg.Logging.Format); err != nil {
		return err
	}

	username := os.Getenv("MQTT_USERNAME")
	password := os.Getenv("MQTT_PASSWORD")
	if username == "" || password == "" {
		return fmt.Errorf("MQTT_USERNAME and MQTT_PASSWORD must be set")
	}

	log.Info().Str("config", configPath).Msg("Starting gridctl")

	client, err := microgrid.NewMQTTClient(microgrid.MQTTConfig{
		Broker:   cfg.MQTT.Broker,
		ClientID: cfg.MQTT.ClientID,
		Username: username,
		Password: password,
	})
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	graph := microgrid.NewStaticGraph(cfg.Wiring())
	topology := microgrid.NewTopology(graph, cfg.Batteries())
	cache := microgrid.NewDataCache(client, topology)

	statusCh := make(chan health.StatusUpdate, 16)
	superviseWorker(ctx, cancel, "status-consumer", func(ctx context.Context) {
		for {
			select {
			case update, ok := <-statusCh:
				if !ok {
					return
				}
				log.Debug().
					Int("battery", int(update.Battery)).
					Bool("working", update.Working).
					Msg("Battery status update")
			case <-ctx.Done():
				return
			}
		}
	})

	tracker := health.NewTracker(
		topology.Batteries(),
		cfg.BlockingDuration(),
		cfg.MaxDataAge(),
		cache,
		statusCh,
	)

	requests := make(chan distribute.Request, 10)
	results := make(chan distribute.Result, 10)

	superviseWorker(ctx, cancel, "result-consumer", func(ctx context.Context) {
		for {
			select {
			case result, ok := <-results:
				if !ok {
					return
				}
				logResult(result)
			case <-ctx.Done():
				return
			}
		}
	})

	distributor := distribute.New(distribute.Config{
		Requests:    requests,
		Results:     results,
		Client:      client,
		Topology:    topology,
		Cache:       cache,
		Tracker:     tracker,
		Exponent:    cfg.Distributor.Exponent,
		WaitForData: cfg.WaitForData(),
	})
	superviseWorker(ctx, cancel, "power-distributor", func(ctx context.Context) {
		if err := distributor.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("Power distributor exited")
			cancel()
		}
	})

	if err := startResampler(ctx, cancel, cfg, client); err != nil {
		return err
	}

	if cfg.Metrics.Listen != "" {
		superviseWorker(ctx, cancel, "metrics-server", func(ctx context.Context) {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			server := &http.Server{Addr: cfg.Metrics.Listen, Handler: mux}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), time.Second)
				defer cancelShutdown()
				server.Shutdown(shutdownCtx)
			}()
			log.Info().Str("listen", cfg.Metrics.Listen).Msg("Metrics server started")
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("Metrics server failed")
			}
		})
	}

	if console {
		superviseWorker(ctx, cancel, "console", func(ctx context.Context) {
			consoleWorker(ctx, cancel, requests, cache, topology)
		})
	}

	// Wait for interrupt or internal shutdown.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigChan:
		log.Info().Msg("Shutting down")
	case <-ctx.Done():
		log.Info().Msg("Shutting down due to error")
	}
	cancel()
	return nil
}

// startResampler registers the configured sensor timeseries and drives the
// periodic resampling loop, removing a timeseries after its first resampling
// error.
func startResampler(
	ctx context.Context,
	cancel context.CancelFunc,
	cfg *config.Config,
	client *microgrid.MQTTClient,
) error {
	if len(cfg.Resampler.Timeseries) == 0 {
		return nil
	}

	resampler, err := resample.New(resample.Config{
		ResamplingPeriod:    cfg.ResamplingPeriod(),
		MaxDataAgeInPeriods: cfg.Resampler.MaxDataAgeInPeriods,
		InitialBufferLen:    cfg.Resampler.InitialBufferLen,
		WarnBufferLen:       cfg.Resampler.WarnBufferLen,
		MaxBufferLen:        cfg.Resampler.MaxBufferLen,
	})
	if err != nil {
		return err
	}

	sources := make(map[string]resample.Source)
	for _, ts := range cfg.Resampler.Timeseries {
		readings, err := client.SensorData(ctx, ts.Topic)
		if err != nil {
			return err
		}

		samples := make(chan resample.Sample, 16)
		go func() {
			defer close(samples)
			for r := range readings {
				samples <- resample.NewSample(r.Timestamp, r.Value)
			}
		}()

		outTopic := "gridctl/resampled/" + ts.Name
		sink := func(_ context.Context, s resample.Sample) error {
			if !s.HasValue() {
				return nil
			}
			return client.PublishValue(outTopic, s.Value)
		}

		source := resample.Source(samples)
		sources[ts.Name] = source
		resampler.AddTimeseries(ts.Name, source, sink)
		log.Info().Str("timeseries", ts.Name).Str("topic", ts.Topic).Msg("Resampling timeseries")
	}

	superviseWorker(ctx, cancel, "resampler", func(ctx context.Context) {
		defer resampler.Stop()
		for {
			err := resampler.Resample(ctx, false)
			if ctx.Err() != nil {
				return
			}
			var resamplingErr *resample.ResamplingError
			if errors.As(err, &resamplingErr) {
				// Drop the faulty timeseries and keep the rest running.
				for name := range resamplingErr.Errors {
					log.Error().
						Str("timeseries", name).
						Err(resamplingErr.Errors[name]).
						Msg("Removing timeseries after resampling error")
					if source, ok := sources[name]; ok {
						resampler.RemoveTimeseries(source)
						delete(sources, name)
					}
				}
				continue
			}
			if err != nil {
				log.Error().Err(err).Msg("Resampler exited")
				return
			}
		}
	})

	return nil
}

func logResult(result distribute.Result) {
	switch r := result.(type) {
	case distribute.Success:
		log.Info().
			Float64("power", r.SucceededPower).
			Float64("excess", r.ExcessPower).
			Msg("Power request succeeded")
	case distribute.PartialFailure:
		log.Warn().
			Float64("succeeded", r.SucceededPower).
			Float64("failed", r.FailedPower).
			Msg("Power request partially failed")
	case distribute.OutOfBounds:
		log.Warn().
			Float64("power", r.Request.Power).
			Float64("inclusion_lower", r.Bounds.InclusionLower).
			Float64("inclusion_upper", r.Bounds.InclusionUpper).
			Msg("Power request out of bounds")
	case distribute.Error:
		log.Error().Str("msg", r.Msg).Msg("Power request failed")
	case distribute.Ignored:
		log.Debug().Msg("Power request superseded")
	}
}
