package injector

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zeusync/horde/internal/config"
	"github.com/zeusync/horde/internal/core/events/bus"
	"github.com/zeusync/horde/internal/core/observability/log"
	"github.com/zeusync/horde/internal/core/registry"
	"github.com/zeusync/horde/internal/journal"
	"github.com/zeusync/horde/internal/server"
)

const (
	statsInterval   = time.Minute
	shutdownTimeout = 10 * time.Second
)

// App is the assembled process. Journal and Server are nil when disabled.
type App struct {
	Config   config.Config
	Logger   *log.Logger
	Bus      bus.EventBus
	Registry *registry.Registry
	Journal  *journal.Journal
	Server   *server.Server
}

// Run serves until ctx is cancelled, then stops the server.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if a.Server != nil {
		if err := a.Server.Start(ctx); err != nil {
			return err
		}
		g.Go(func() error {
			<-ctx.Done()
			stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return a.Server.Stop(stopCtx)
		})
	}

	g.Go(func() error {
		ticker := time.NewTicker(statsInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				st := a.Registry.Stats()
				a.Logger.Info("Registry stats",
					log.Int("zombies", st.Zombies),
					log.Uint64("sequence", st.Sequence),
					log.Uint64("battles", st.Battles),
					log.Duration("cooldown", st.Cooldown))
			}
		}
	})

	a.Logger.Info("Horde running",
		log.Bool("server", a.Server != nil),
		log.Bool("journal", a.Journal != nil))

	return g.Wait()
}
