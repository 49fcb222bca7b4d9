package main

import (
	"context"
	"fmt"
	"os"
	"time"

	clientcmd "github.com/rzbill/stageflow/internal/cmd/client"
	serverrun "github.com/rzbill/stageflow/internal/cmd/server"
	cfgpkg "github.com/rzbill/stageflow/internal/config"
	logpkg "github.com/rzbill/stageflow/pkg/log"
	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "stageflow",
		Short: "Stageflow pipeline orchestrator",
		Long:  "Stageflow runs multi-stage job pipelines over durable queues. This CLI manages the server and basic operations.",
	}

	// server start
	serverCmd := &cobra.Command{Use: "server", Short: "Server commands"}
	serverStartCmd := &cobra.Command{
		Use:     "start",
		Short:   "Start stageflow server (gRPC and HTTP)",
		Aliases: []string{"run"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			fsyncIntervalMs, _ := cmd.Flags().GetInt("fsync-interval-ms")
			if err := serverrun.Run(context.Background(), serverrun.Options{
				Config:        cfg,
				FsyncInterval: time.Duration(fsyncIntervalMs) * time.Millisecond,
			}); err != nil {
				return fmt.Errorf("server error: %w", err)
			}
			// brief delay to allow logs flush
			time.Sleep(100 * time.Millisecond)
			return nil
		},
	}
	serverStartCmd.Flags().String("config", os.Getenv("STAGEFLOW_CONFIG"), "Config file (JSON or YAML)")
	serverStartCmd.Flags().String("data-dir", "", "Data directory (if not specified, uses OS-specific application data directory)")
	serverStartCmd.Flags().String("grpc", "", "gRPC listen address (default :50051)")
	serverStartCmd.Flags().String("http", "", "HTTP listen address (default :8080)")
	serverStartCmd.Flags().String("fsync", "", "Fsync mode: always|interval|never")
	serverStartCmd.Flags().Int("fsync-interval-ms", 5, "When --fsync=interval, group-commit window in ms")
	serverStartCmd.Flags().String("log-level", "", "Log level: debug|info|warn|error")
	serverStartCmd.Flags().String("log-format", "", "Log format: text|json")
	serverStartCmd.Flags().Duration("schedule-interval", 0, "Re-trigger local stages on this interval (0 disables)")
	serverCmd.AddCommand(serverStartCmd)

	// config check
	configCmd := &cobra.Command{Use: "config", Short: "Configuration commands"}
	configCheckCmd := &cobra.Command{
		Use:   "check",
		Short: "Validate a config file and print the resolved pipelines",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, p := range cfg.Pipelines {
				for _, s := range p.Stages {
					st := cfg.Stage(p.Name, s.Name)
					next := p.NextStage(s.Name)
					if next == "" {
						next = "(terminal)"
					}
					_, _ = fmt.Fprintf(out, "%s/%s queue=%s next=%s endpoint=%s max_attempts=%d\n",
						p.Name, s.Name, cfgpkg.QueueName(p.Name, st), next, st.Endpoint, st.MaxAttempts)
				}
			}
			_, _ = fmt.Fprintln(out, "status: OK")
			return nil
		},
	}
	configCheckCmd.Flags().String("config", os.Getenv("STAGEFLOW_CONFIG"), "Config file (JSON or YAML)")
	configCmd.AddCommand(configCheckCmd)

	rootCmd.AddCommand(serverCmd, configCmd)
	rootCmd.AddCommand(clientcmd.NewCommands(clientcmd.APIURLFromEnv)...)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig layers defaults, the config file, STAGEFLOW_* env and flags,
// in that order, and validates the result.
func loadConfig(cmd *cobra.Command) (cfgpkg.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := cfgpkg.Load(path)
	if err != nil {
		return cfgpkg.Config{}, err
	}
	if err := cfgpkg.FromEnv(&cfg); err != nil {
		return cfgpkg.Config{}, err
	}
	flags := cmd.Flags()
	setString := func(name string, dst *string) {
		if flags.Lookup(name) != nil && flags.Changed(name) {
			*dst, _ = flags.GetString(name)
		}
	}
	setString("data-dir", &cfg.DataDir)
	setString("grpc", &cfg.GRPCAddr)
	setString("http", &cfg.HTTPAddr)
	setString("fsync", &cfg.Fsync)
	setString("log-level", &cfg.Log.Level)
	setString("log-format", &cfg.Log.Format)
	if flags.Lookup("schedule-interval") != nil && flags.Changed("schedule-interval") {
		every, _ := flags.GetDuration("schedule-interval")
		cfg.Worker.ScheduleIntervalMs = int(every.Milliseconds())
	}
	if _, err := logpkg.ParseLevel(cfg.Log.Level); err != nil {
		return cfgpkg.Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return cfgpkg.Config{}, err
	}
	return cfg, nil
}
