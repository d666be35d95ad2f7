// Package injector assembles the horde application from its configuration.
package injector

import (
	"context"
	"fmt"

	"github.com/google/wire"

	"github.com/zeusync/horde/internal/config"
	"github.com/zeusync/horde/internal/core/combat"
	"github.com/zeusync/horde/internal/core/cooldown"
	"github.com/zeusync/horde/internal/core/events/bus"
	"github.com/zeusync/horde/internal/core/observability/log"
	"github.com/zeusync/horde/internal/core/registry"
	"github.com/zeusync/horde/internal/journal"
	"github.com/zeusync/horde/internal/server"
)

// ProviderSet builds an App from a config.Config.
var ProviderSet = wire.NewSet(
	ProvideLogger,
	ProvideBus,
	ProvideRoller,
	ProvideRegistry,
	ProvideJournal,
	ProvideServer,
	wire.Struct(new(App), "*"),
)

func ProvideLogger(cfg config.Config) (*log.Logger, func(), error) {
	logger, err := log.New(cfg.LoggerConfig())
	if err != nil {
		return nil, nil, err
	}
	return logger, func() { _ = logger.Sync() }, nil
}

func ProvideBus() bus.EventBus {
	return bus.New()
}

// ProvideRoller seeds the battle roller, drawing a random seed when none is configured.
func ProvideRoller(cfg config.Config, logger *log.Logger) (combat.Roller, error) {
	seed := cfg.Registry.Seed
	if seed == 0 {
		var err error
		if seed, err = combat.NewSeed(); err != nil {
			return nil, err
		}
	}
	logger.Debug("Battle roller seeded", log.Uint64("seed", seed))
	return combat.HashRoller{Seed: seed}, nil
}

func ProvideRegistry(cfg config.Config, roller combat.Roller, b bus.EventBus, logger *log.Logger) (*registry.Registry, error) {
	return registry.New(registry.Options{
		Cooldown: cfg.Registry.Cooldown,
		Combat: combat.Options{
			VictoryProbability: cfg.Registry.VictoryProbability,
			LevelBonus:         cfg.Registry.LevelBonus,
		},
		Roller: roller,
		Clock:  cooldown.SystemClock{},
		Bus:    b,
		Logger: logger,
	})
}

// ProvideJournal opens and attaches the event journal. It is nil when disabled.
func ProvideJournal(ctx context.Context, cfg config.Config, b bus.EventBus, logger *log.Logger) (*journal.Journal, func(), error) {
	if !cfg.Journal.Enabled {
		return nil, func() {}, nil
	}
	j, err := journal.Open(ctx, cfg.Journal.Path, logger)
	if err != nil {
		return nil, nil, err
	}
	if err = j.Attach(b); err != nil {
		_ = j.Close()
		return nil, nil, fmt.Errorf("attach journal: %w", err)
	}
	return j, func() { _ = j.Close() }, nil
}

// ProvideServer builds the HTTP and websocket server. It is nil when disabled.
func ProvideServer(cfg config.Config, reg *registry.Registry, j *journal.Journal, logger *log.Logger) (*server.Server, func(), error) {
	if !cfg.Server.Enabled {
		return nil, func() {}, nil
	}
	sc := server.DefaultServerConfig()
	sc.ListenAddr = cfg.Server.ListenAddr
	sc.ReadTimeout = cfg.Server.ReadTimeout
	sc.WriteTimeout = cfg.Server.WriteTimeout
	sc.MaxSessions = cfg.Server.MaxSessions

	var events server.EventLog
	if j != nil {
		events = j
	}
	srv, err := server.NewServer(sc, reg, events, logger)
	if err != nil {
		return nil, nil, err
	}
	return srv, func() { _ = srv.Close() }, nil
}
