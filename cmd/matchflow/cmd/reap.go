package cmd

import (
	"context"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var reapCmd = &cobra.Command{
	Use:   "reap",
	Short: "Reset schedules stuck past their state timeout and exit",
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

		rep, err := a.reaper.Reap(context.Background())
		if err != nil {
			return err
		}
		cmd.Printf("scanned %d schedules, reset %d, purged %d expired locks\n", rep.Scanned, rep.Reaped, rep.PurgedLocks)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(reapCmd)
}
