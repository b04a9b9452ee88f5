// Package app wires configuration, infrastructure and services into a
// runnable process.
package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ordersync/internal/config"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

// Application holds all the components and manages the application lifecycle
type Application struct {
	ctx       context.Context
	cancel    context.CancelFunc
	container *Container
	runners   []Runner
}

// NewApplication creates and fully initializes a new Application instance
func NewApplication(ctx context.Context, service, configPath string) (*Application, error) {
	cfg, err := config.Load(service, configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	appCtx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)

	container, err := NewContainer(appCtx, cfg)
	if err != nil {
		cancel()
		return nil, err
	}

	runners, err := NewServiceFactory(container).Runners()
	if err != nil {
		container.Shutdown(context.Background())
		cancel()
		return nil, err
	}

	container.Logger().Info("Application initialized successfully",
		zap.String("service", cfg.Service.Name),
		zap.Strings("brokers", cfg.Kafka.BrokerList()),
	)
	return &Application{
		ctx:       appCtx,
		cancel:    cancel,
		container: container,
		runners:   runners,
	}, nil
}

// Run starts every loop and blocks until all of them return. The first loop
// to fail cancels the others.
func (app *Application) Run() error {
	g, ctx := errgroup.WithContext(app.ctx)
	for _, r := range app.runners {
		r := r
		g.Go(func() error {
			if err := r.Run(ctx); err != nil {
				return fmt.Errorf("%s: %w", r.Name, err)
			}
			app.container.Logger().Info("Loop stopped", zap.String("loop", r.Name))
			return nil
		})
	}
	return g.Wait()
}

// Shutdown gracefully shuts down all application components
func (app *Application) Shutdown() {
	app.container.Logger().Info("Starting application shutdown...")
	app.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	app.container.Shutdown(ctx)
}
