package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/hoamxTrav/hoamx-watcher-agent/api"
	"github.com/hoamxTrav/hoamx-watcher-agent/cfg"
	"github.com/hoamxTrav/hoamx-watcher-agent/dispatch"
	"github.com/hoamxTrav/hoamx-watcher-agent/store"
	"github.com/hoamxTrav/hoamx-watcher-agent/telemetry"
	"github.com/hoamxTrav/hoamx-watcher-agent/watcher"
)

var runOnceFlag = flag.Bool("once", false, "Run one watcher pass for the default tenant and exit")

func main() {
	flag.Parse()

	// Load configuration
	if err := cfg.Load(*cfg.ConfigPathFlag); err != nil {
		panic(err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	// Setup logging
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Str("agent", cfg.Config.AgentName).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Msg("hoamx watcher agent")
	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry()
	telemetry.Serve()

	// Open the backing store
	log.Info().Str("path", cfg.Config.Database.Path).Msg("Opening store")
	st, err := store.Open(cfg.Config.Database.Path, cfg.Config.Database.BusyTimeoutMS)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open store")
		return
	}
	defer st.Close()

	// Wire up downstream sinks
	log.Info().Int("sinks", len(cfg.Config.Sinks)).Msg("Initializing downstream sinks")
	dispatcher, err := dispatch.NewDispatcher(cfg.Config.Sinks)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize dispatcher")
		return
	}
	defer dispatcher.Close()

	agent := watcher.NewAgent(st, dispatcher, watcher.Options{
		AgentName:        cfg.Config.AgentName,
		DefaultTenant:    cfg.Config.Watcher.DefaultTenant,
		DefaultBatchSize: cfg.Config.Watcher.DefaultBatchSize,
		EmitFullRow:      cfg.Config.Watcher.EmitFullRow,
		ClaimLease:       time.Duration(cfg.Config.Watcher.ClaimLeaseSeconds) * time.Second,
	})

	if *runOnceFlag {
		runOnce(agent)
		return
	}

	if !cfg.Config.HTTP.Enabled {
		log.Fatal().Msg("Nothing to do: trigger API disabled and -once not set")
		return
	}

	handlers := api.NewHandlers(agent)
	if err := api.Serve(handlers); err != nil {
		log.Fatal().Err(err).Msg("Trigger API failed")
	}
}

// runOnce executes a single watcher pass for the default tenant, printing
// the summary to stdout. Exit code reflects run success.
func runOnce(agent *watcher.Agent) {
	summary, err := agent.Run(context.Background(), watcher.Request{})
	out, _ := json.MarshalIndent(summary, "", "  ")
	fmt.Println(string(out))
	if err != nil {
		log.Error().Err(err).Msg("Run failed")
		os.Exit(1)
	}
}
