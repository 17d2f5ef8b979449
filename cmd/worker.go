package main

import (
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/diligence/internal/report"
	"github.com/sells-group/diligence/internal/worker"
	"github.com/sells-group/diligence/pkg/analysis"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run stage workers that consume scan jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		runner := analysis.NewClient(cfg.Analysis.BaseURL, cfg.Analysis.Key,
			analysis.WithTimeout(time.Duration(cfg.Analysis.TimeoutSecs)*time.Second))

		reportHandler := worker.NewReportHandler(
			env.store,
			report.New(env.store),
			cfg.Worker.MinEvidenceStages,
			time.Duration(cfg.Worker.ReportWaitTimeoutSecs)*time.Second,
		)
		handlers := append(worker.NewEvidenceHandlers(env.store, runner, env.fabric), reportHandler)

		pool := worker.NewPool(env.fabric, cfg.Worker, handlers...)

		zap.L().Info("starting workers",
			zap.Int("concurrency", cfg.Worker.Concurrency),
			zap.Int("handlers", len(handlers)))
		return pool.Run(ctx)
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
}
