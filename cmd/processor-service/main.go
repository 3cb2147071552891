package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	_ "msgflow/cmd/processor-service/docs"
	"msgflow/internal/config"
	"msgflow/internal/constants"
	"msgflow/internal/logger"
	"msgflow/internal/stages"
	"msgflow/pkg/cel"
	"msgflow/pkg/logging"
)

var (
	configFile string
)

// @title           msgflow Processor Service API
// @version         1.0
// @description     Synchronous message ingest, stored outcome lookup and pipeline statistics

// @license.name  Apache 2.0
// @license.url   http://www.apache.org/licenses/LICENSE-2.0.html

// @host      localhost:8080
// @BasePath  /api/v1

// @schemes   http https

func main() {
	rootCmd := &cobra.Command{
		Use:   "processor-service",
		Short: "Message processing pipeline service",
		Long:  "Processor Service runs messages through the configured stage pipeline and persists every outcome",
		RunE:  serveCmd().RunE,
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to config file (required)")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(validateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig(earlyLog *logging.EarlyLog) (*config.Config, error) {
	if configFile == "" {
		configFile = os.Getenv("CONFIG_FILE")
		if configFile == "" {
			earlyLog.Error("Config file is required. Use --config flag or CONFIG_FILE environment variable")
			return nil, fmt.Errorf("config file is required")
		}
	}

	cfg, err := config.Load(configFile)
	if err != nil {
		earlyLog.Error("Failed to load config: %v", err)
		return nil, err
	}
	return cfg, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the processor service",
		RunE: func(cmd *cobra.Command, args []string) error {
			earlyLog := logging.NewEarlyLog()

			cfg, err := loadConfig(earlyLog)
			if err != nil {
				return err
			}

			log, err := logger.New(cfg.Logging.Level, cfg.Logging.Format)
			if err != nil {
				earlyLog.Error("Failed to init logger: %v", err)
				return err
			}
			defer log.Sync()

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			log.InfowCtx(ctx, "Starting Processor Service",
				"pipeline", cfg.Pipeline.Name,
				"backend", cfg.Persistence.Backend,
				"broker", cfg.Broker.Type,
			)

			app := NewApp(cfg, log)
			if err := app.Initialize(ctx); err != nil {
				log.ErrorwCtx(ctx, "Failed to initialize application", "error", err)
				if shutdownErr := app.Shutdown(ctx); shutdownErr != nil {
					log.ErrorwCtx(ctx, "Cleanup after failed start", "error", shutdownErr)
				}
				return err
			}

			if err := app.Run(ctx); err != nil {
				log.ErrorwCtx(ctx, "Application error", "error", err)
				return err
			}
			return nil
		},
	}
}

// validateCmd loads the configuration and builds the pipeline without
// connecting to anything, reporting configuration errors.
func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration and pipeline definition",
		RunE: func(cmd *cobra.Command, args []string) error {
			earlyLog := logging.NewEarlyLog()

			cfg, err := loadConfig(earlyLog)
			if err != nil {
				return err
			}

			evaluator, err := cel.NewEvaluator()
			if err != nil {
				return err
			}

			deps := stages.Deps{Evaluator: evaluator}
			if stages.NeedsRedis(cfg.Pipeline) {
				// never dialled: go-redis connects on first command
				rdb := redis.NewClient(&redis.Options{
					Addr: fmt.Sprintf("%s:%d", cfg.Database.Redis.Host, cfg.Database.Redis.Port),
				})
				defer rdb.Close()
				deps.Redis = rdb
			}

			p, err := stages.Build(cfg.Pipeline, deps)
			if err != nil {
				earlyLog.Error("Invalid pipeline: %v", err)
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s: configuration valid, pipeline %s\n", constants.ServiceName, p)
			return nil
		},
	}
}
