package cmd

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"matchflow/internal/config"
	"matchflow/internal/observability"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "matchflow",
	Short: "matchflow runs window-aware scheduled tasks against a shared database",
	Long: `matchflow triggers registered tasks on fixed, daily or event-window
dependent schedules. Several instances may share one database: each schedule
is leased to one instance per cycle and every state change is recorded.

Commands:
  serve     run the trigger loop, reaper and HTTP API until interrupted
  tick      run a single trigger pass and exit
  reap      reset schedules stuck past their state timeout and exit
  migrate   apply database migrations

Configuration is read from --config (YAML), then MATCHFLOW_* environment
variables, e.g. MATCHFLOW_DATABASE_DSN or MATCHFLOW_ENGINE_WORKERS.`,
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML)")
}

// loadConfig reads configuration and installs the global logger.
func loadConfig(cmd *cobra.Command) (*config.Config, *viper.Viper, error) {
	cfg, v, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, err
	}
	log.Logger = observability.NewLogger(cmd.ErrOrStderr(), cfg.Log.Format, cfg.Log.Level)
	return cfg, v, nil
}
