package main

import (
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var drainAgeHours int

var queuesCmd = &cobra.Command{
	Use:   "queues",
	Short: "Inspect and maintain the stage queues",
}

var queuesStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show per-queue job counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		counts, err := env.fabric.Counts(cmd.Context())
		if err != nil {
			return eris.Wrap(err, "queue counts")
		}
		return printJSON(counts)
	},
}

var queuesDrainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Remove finished jobs older than the given age",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		removed, err := env.fabric.DrainOlderThan(cmd.Context(), time.Duration(drainAgeHours)*time.Hour)
		if err != nil {
			return eris.Wrap(err, "drain queues")
		}

		zap.L().Info("queues drained", zap.Int("removed", removed), zap.Int("age_hours", drainAgeHours))
		return nil
	},
}

func init() {
	queuesDrainCmd.Flags().IntVar(&drainAgeHours, "age-hours", 24, "remove finished jobs older than this")

	queuesCmd.AddCommand(queuesStatusCmd, queuesDrainCmd)
	rootCmd.AddCommand(queuesCmd)
}
