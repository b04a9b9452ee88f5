package main

import (
	"context"
	"errors"
	stdlog "log"

	"ordersync/internal/app"
	"ordersync/internal/config"
	"ordersync/internal/platform/postgres"

	"github.com/spf13/cobra"
)

var cfgFile string

var errMissingDatabaseURL = errors.New("DATABASE_URL is required for migrations")

func main() {
	if err := newRootCmd().Execute(); err != nil {
		stdlog.Fatalf("Application failed: %v", err)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "ordersync",
		Short:         "Catalog and order services connected through Kafka",
		Version:       config.ServiceVersion,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); environment variables take precedence")

	root.AddCommand(
		serviceCmd(config.ServiceCatalog, "Reconcile product stock from order events"),
		serviceCmd(config.ServiceOrder, "Serve the order API and publish order events"),
		migrateCmd(),
	)
	return root
}

func serviceCmd(service, short string) *cobra.Command {
	return &cobra.Command{
		Use:   service,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), service)
		},
	}
}

func run(ctx context.Context, service string) error {
	if ctx == nil {
		ctx = context.Background()
	}

	application, err := app.NewApplication(ctx, service, cfgFile)
	if err != nil {
		return err
	}
	defer application.Shutdown()

	return application.Run()
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "migrate <service>",
		Short:     "Apply the database migrations of a service",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{config.ServiceCatalog, config.ServiceOrder},
		RunE: func(cmd *cobra.Command, args []string) error {
			service := args[0]
			cfg, err := config.Load(service, cfgFile)
			if err != nil {
				return err
			}
			if cfg.Database.URL == "" {
				return errMissingDatabaseURL
			}

			schema := postgres.SchemaCatalog
			if service == config.ServiceOrder {
				schema = postgres.SchemaOrder
			}
			if err := postgres.Migrate(cfg.Database.URL, schema); err != nil {
				return err
			}
			cmd.Printf("%s migrations applied\n", service)
			return nil
		},
	}
}
