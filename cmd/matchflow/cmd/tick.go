package cmd

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var tickCmd = &cobra.Command{
	Use:   "tick",
	Short: "Run one trigger pass over all due schedules and exit",
	Long: `tick processes every schedule that is due right now, waits for all of
them to finish and exits. It is meant for cron or serverless triggers; any
number of tick and serve processes may share the database.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		a, err := newApp(cfg, log.Logger)
		if err != nil {
			return err
		}
		defer a.Close()

		start := time.Now()
		n, err := a.engine.Tick(context.Background())
		if err != nil {
			return err
		}
		cmd.Printf("processed %d due schedules in %s\n", n, time.Since(start).Round(time.Millisecond))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tickCmd)
}
