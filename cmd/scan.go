package main

import (
	"encoding/json"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/diligence/internal/model"
	"github.com/sells-group/diligence/internal/orchestrator"
)

var (
	scanPriority string
	retryScope   string
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Submit and inspect scan requests",
}

var scanSubmitCmd = &cobra.Command{
	Use:   "submit <company-name> <website-url>",
	Short: "Submit a company for a due-diligence scan",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		now := time.Now().UTC()
		scan := &model.ScanRequest{
			ID:          uuid.New().String(),
			CompanyName: args[0],
			WebsiteURL:  args[1],
			Priority:    scanPriority,
			Status:      model.ScanStatusPending,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := env.store.CreateScan(cmd.Context(), scan); err != nil {
			return eris.Wrap(err, "create scan")
		}

		handles, err := env.orch.Submit(cmd.Context(), scan.ID)
		if err != nil {
			return eris.Wrap(err, "submit scan")
		}

		zap.L().Info("scan submitted",
			zap.String("scan_request_id", scan.ID),
			zap.String("company", scan.CompanyName))
		return printJSON(createScanResponse{ScanRequestID: scan.ID, Handles: handles})
	},
}

var scanStatusCmd = &cobra.Command{
	Use:   "status <scan-request-id>",
	Short: "Show progress for a scan request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		view, err := env.aggregator.Progress(cmd.Context(), args[0])
		if err != nil {
			return eris.Wrap(err, "get progress")
		}
		return printJSON(view)
	},
}

var scanRetryCmd = &cobra.Command{
	Use:   "retry <scan-request-id>",
	Short: "Re-enqueue stages for a scan request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		scope, err := orchestrator.ParseRetryScope(retryScope)
		if err != nil {
			return err
		}

		env, err := initEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		handles, err := env.orch.Retry(cmd.Context(), args[0], scope)
		if err != nil {
			return eris.Wrap(err, "retry scan")
		}
		return printJSON(createScanResponse{ScanRequestID: args[0], Handles: handles})
	},
}

var scanListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent scan requests",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		scans, err := env.store.ListScans(cmd.Context(), 50)
		if err != nil {
			return eris.Wrap(err, "list scans")
		}
		return printJSON(scans)
	},
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	scanSubmitCmd.Flags().StringVar(&scanPriority, "priority", "normal", "job priority (critical|high|normal|low)")
	scanRetryCmd.Flags().StringVar(&retryScope, "scope", "evidence", "retry scope (evidence|both)")

	scanCmd.AddCommand(scanSubmitCmd, scanStatusCmd, scanRetryCmd, scanListCmd)
	rootCmd.AddCommand(scanCmd)
}
