// Package main provides the conductor command
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/rizome-dev/conductor/pkg/alerting"
	"github.com/rizome-dev/conductor/pkg/config"
	"github.com/rizome-dev/conductor/pkg/logging"
	"github.com/rizome-dev/conductor/pkg/orchestrator"
	"github.com/rizome-dev/conductor/pkg/server"
	"github.com/rizome-dev/conductor/pkg/workflow"
)

var (
	// Version information (set by build)
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"

	cfgFile   string
	serverURL string
	jsonOut   bool
)

var rootCmd = &cobra.Command{
	Use:   "conductor",
	Short: "Conductor - agent fleet coordinator",
	Long: `Conductor keeps a registry of agents, routes messages between them,
raises alerts from their metrics and runs workflows across them.

Run the coordinator:
  conductor serve --config conductor.yaml

Talk to a running coordinator:
  conductor agents list
  conductor alerts list --status active
  conductor alerts ack <alert-id>`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("CONDUCTOR_URL", "http://localhost:8080"), "conductor API base URL")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "output in JSON format")

	serveCmd.Flags().StringVarP(&cfgFile, "config", "c", "", "config file (YAML or JSON)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(agentsCmd)
	rootCmd.AddCommand(alertsCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("conductor %s\n", Version)
		fmt.Printf("Build: %s\n", BuildTime)
		fmt.Printf("Commit: %s\n", GitCommit)
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the coordinator and its API",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
}

func serve(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return err
	}
	if err := logging.InitializeGlobalLogger(&cfg.Logging); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	logger := logging.WithComponent("main")
	defer func() { _ = logging.GetLogger().Sync() }()

	orch, err := orchestrator.New(cfg, orchestrator.WithLogger(logging.GetLogger()))
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}
	if err := orch.Start(ctx); err != nil {
		return fmt.Errorf("failed to start orchestrator: %w", err)
	}

	srv, err := server.NewServer(orch)
	if err != nil {
		_ = orch.Stop(context.Background())
		return err
	}
	if err := srv.Start(); err != nil {
		_ = orch.Stop(context.Background())
		return err
	}
	logger.WithField("version", Version).Info("conductor is up on %s", srv.HTTPAddress())

	srv.WaitForShutdown(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout+5*time.Second)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		logger.WithError(err).Warn("server shutdown")
	}
	if err := orch.Stop(shutdownCtx); err != nil {
		logger.WithError(err).Warn("orchestrator shutdown")
		return err
	}
	return nil
}

var validateCmd = &cobra.Command{
	Use:   "validate <file>...",
	Short: "Validate workflow definition or alert rule files",
	Long: `Validate workflow definition files. Files passed with --rules are
parsed as alert rule files instead.

Examples:
  conductor validate workflows/nightly.yaml
  conductor validate --rules rules.yaml`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rules, _ := cmd.Flags().GetBool("rules")
		failed := 0
		for _, path := range args {
			if err := validateFile(cmd.Context(), path, rules); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", path, err)
				failed++
				continue
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", path)
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d files invalid", failed, len(args))
		}
		return nil
	},
}

func init() {
	validateCmd.Flags().Bool("rules", false, "treat files as alert rule files")
}

func validateFile(ctx context.Context, path string, rules bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if rules {
		parsed, err := alerting.LoadRulesFile(path)
		if err != nil {
			return err
		}
		for _, r := range parsed {
			if err := alerting.ValidateRule(r); err != nil {
				return err
			}
		}
		return nil
	}

	def, err := workflow.LoadDefinitionFile(path)
	if err != nil {
		return err
	}
	if err := workflow.Validate(def); err != nil {
		return err
	}
	conditions := workflow.NewRegoEvaluator()
	for _, n := range def.Nodes {
		if n.Condition == "" {
			continue
		}
		if err := conditions.Check(ctx, n.Condition); err != nil {
			return fmt.Errorf("condition node %q: %w", n.ID, err)
		}
	}
	return nil
}

func envOr(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}
