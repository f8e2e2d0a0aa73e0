package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/sprinkler-controller/db"
	"github.com/thatsimonsguy/sprinkler-controller/internal/actuator"
	"github.com/thatsimonsguy/sprinkler-controller/internal/api"
	"github.com/thatsimonsguy/sprinkler-controller/internal/config"
	"github.com/thatsimonsguy/sprinkler-controller/internal/controllers/raindelaycontroller"
	"github.com/thatsimonsguy/sprinkler-controller/internal/controllers/runcontroller"
	"github.com/thatsimonsguy/sprinkler-controller/internal/controllers/schedulecontroller"
	"github.com/thatsimonsguy/sprinkler-controller/internal/datadog"
	"github.com/thatsimonsguy/sprinkler-controller/internal/logging"
	"github.com/thatsimonsguy/sprinkler-controller/internal/notifications"
	"github.com/thatsimonsguy/sprinkler-controller/internal/policy"
	"github.com/thatsimonsguy/sprinkler-controller/internal/weather"
	"github.com/thatsimonsguy/sprinkler-controller/system/shutdown"
	"github.com/thatsimonsguy/sprinkler-controller/system/startup"
)

func main() {
	cfg := config.Load()
	logging.Init(cfg.LogLevel)

	log.Info().
		Str("database", cfg.DatabasePath).
		Str("driver", cfg.Actuator.Driver).
		Int("zones", len(cfg.Zones)).
		Msg("Starting sprinkler controller")

	if cfg.EnableDatadog {
		datadog.Init(cfg.DDAgentAddr, cfg.DDNamespace, cfg.DDTags)
	}

	dbConn, err := db.Open(cfg.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not open database")
	}
	defer dbConn.Close()

	if err := db.SeedDatabase(dbConn, &cfg); err != nil {
		log.Fatal().Err(err).Msg("Could not seed database")
	}

	// Runs left in running state by a crash are closed out before anything
	// else touches the pins.
	orphans, err := db.CancelOrphanedRuns(dbConn)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not cancel orphaned runs")
	}
	if orphans > 0 {
		log.Warn().Int64("count", orphans).Msg("Cancelled orphaned runs from previous process")
	}

	driver, err := actuator.New(cfg.Actuator)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not create actuator driver")
	}

	zones, err := db.GetAllZones(dbConn)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not load zones")
	}

	if cfg.Actuator.Driver == "pinctrl" {
		if err := startup.WriteBootScript(&cfg, dbConn); err != nil {
			log.Fatal().Err(err).Msg("Could not write boot script")
		}
		if err := startup.InstallBootService(&cfg); err != nil {
			log.Fatal().Err(err).Msg("Could not install boot service")
		}
		if err := startup.InstallMainService(&cfg); err != nil {
			log.Fatal().Err(err).Msg("Could not install main service")
		}
		if err := startup.RunBootScript(&cfg); err != nil {
			log.Fatal().Err(err).Msg("Could not run boot script")
		}
		if err := startup.VerifyPinStates(zones); err != nil {
			shutdown.HardStop(driver, zones, err, "Refusing to start with energized valve pins")
		}
	}

	notifier := buildNotifier(cfg)

	validator := &policy.Validator{
		Limits: policy.Limits{
			MinDurationMinutes:         cfg.Policy.MinDurationMinutes,
			MaxDurationMinutes:         cfg.Policy.MaxDurationMinutes,
			MaxConcurrentZones:         cfg.Policy.MaxConcurrentZones,
			MinBreakBetweenRunsMinutes: cfg.Policy.MinBreakBetweenRunsMinutes,
		},
		PinAllowed: cfg.PinAllowed,
	}

	runs := runcontroller.New(dbConn, validator, driver, notifier)
	rainDelay := raindelaycontroller.New(dbConn, runs, notifier, cfg.RainDelay)
	dispatcher := schedulecontroller.New(dbConn, runs)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go dispatcher.Run(ctx)

	if cfg.Weather.APIKey != "" {
		source := weather.NewOpenWeatherMap(cfg.Weather)
		go rainDelay.Run(ctx, source)
	} else {
		log.Info().Msg("No weather API key configured, automatic rain delay disabled")
	}

	server := api.NewServer(dbConn, &cfg, runs, rainDelay, driver)
	go func() {
		if err := server.Start(cfg.Port); err != nil {
			log.Fatal().Err(err).Msg("API server failed")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info().Msg("Shutting down")
	cancel()
	runs.StopAll("shutdown")
	shutdown.AllOff(driver, zones)
}

// buildNotifier assembles the configured notification sinks. With nothing
// configured it returns a Noop so callers never nil-check.
func buildNotifier(cfg config.Config) notifications.Notifier {
	var sinks notifications.Multi

	if cfg.NtfyTopic != "" {
		sinks = append(sinks, notifications.NewNtfy(cfg.NtfyTopic))
	}
	if cfg.MQTT.Broker != "" {
		client, err := notifications.ConnectMQTT(cfg.MQTT.Broker, cfg.MQTT.ClientID)
		if err != nil {
			log.Warn().Err(err).Str("broker", cfg.MQTT.Broker).Msg("Could not connect to MQTT broker, continuing without it")
		} else {
			sinks = append(sinks, notifications.NewMQTTPublisher(client, cfg.MQTT.TopicPrefix))
		}
	}

	if len(sinks) == 0 {
		return notifications.Noop{}
	}
	return sinks
}
