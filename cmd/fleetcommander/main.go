// Command fleetcommander runs the Fleet Commander daemon: it loads a YAML
// configuration file, wires the Session Manager, Plan Service, and
// Lifecycle Manager against whatever plugins the deployment registers, and
// polls until it receives a termination signal. Grounded on the teacher's
// server/plugin.go OnActivate/OnDeactivate wiring sequence, generalized
// from a Mattermost plugin's activation hooks into a standalone process's
// startup and shutdown sequence.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/gg-salo/fleet-commander/internal/config"
	"github.com/gg-salo/fleet-commander/internal/lifecycle"
	"github.com/gg-salo/fleet-commander/internal/logging"
	"github.com/gg-salo/fleet-commander/internal/plugin"
	"github.com/gg-salo/fleet-commander/internal/session"
)

func main() {
	configPath := flag.String("config", "", "path to the fleet commander YAML configuration file")
	verbose := flag.Bool("verbose", false, "enable debug-level logging")
	flag.Parse()

	level := zerolog.InfoLevel
	if *verbose {
		level = zerolog.DebugLevel
	}
	log := logging.New(os.Stderr, level)

	if *configPath == "" {
		log.Error("missing required -config flag")
		os.Exit(2)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Error("failed to load configuration", logging.F("error", err.Error()))
		os.Exit(1)
	}

	// Plugin registration is a deployment-specific concern (spec §4.1: the
	// six interfaces are a contract boundary, not something this module
	// ships implementations of). A real deployment constructs and
	// registers its runtime/agent/workspace/tracker/SCM/notifier plugins
	// here before Start is called; an empty registry still runs, but Spawn,
	// Send and Restore return fcerrors.KindPluginUnavailable when the
	// runtime or workspace slot they need is missing, while Kill, List and
	// the lifecycle probes skip a missing plugin.
	registry := plugin.NewRegistry()

	fs := afero.NewOsFs()
	sessions := session.NewManager(fs, cfg.DataDir, *configPath, cfg, registry, log)
	lifecycleMgr := lifecycle.NewManager(fs, cfg, registry, sessions, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("fleet commander starting", logging.F("projects", len(cfg.Projects)), logging.F("interval", lifecycle.DefaultInterval.String()))
	lifecycleMgr.Start(ctx)

	<-ctx.Done()
	log.Info("shutting down")
	lifecycleMgr.Stop()
}

// loadConfig reads and decodes the YAML configuration file at path into a
// validated config.Config. Decoding into a generic map keeps the core
// itself YAML-agnostic (spec §1 out-of-scope: "YAML configuration
// loading"); config.FromRaw is the one seam where that external loader's
// output becomes a typed Config.
func loadConfig(path string) (*config.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	if raw == nil {
		raw = map[string]any{}
	}
	raw["configPath"] = path

	cfg, err := config.FromRaw(raw)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}
