package main

import (
	"github.com/spf13/cobra"

	"pid-provider/providers/core"
	"pid-provider/services"
)

var batch int

var fixPidV2Cmd = &cobra.Command{
	Use:   "fix-pid-v2 V3 CORRECT_V2",
	Short: "Replace the pid v2 of a document",
	Long: `Replace the pid v2 of the document with the given v3.

The previous v2 is kept as an alias and a new XML version carrying the
corrected scielo-v2 article-id is stored.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := setup(cmd.Context())
		if err != nil {
			return err
		}
		defer a.logger.Sync()

		resp, err := a.provider.FixPidV2(cmd.Context(), args[0], args[1], user)
		if err != nil {
			return err
		}
		return printJSON(resp)
	},
}

var retryFetchCmd = &cobra.Command{
	Use:   "retry-fetch",
	Short: "Retry URLs whose download failed",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := setup(cmd.Context())
		if err != nil {
			return err
		}
		defer a.logger.Sync()

		n, err := services.NewFetcher(a.cfg, a.provider, a.s3, a.logger).RetryFailed(cmd.Context(), batch)
		if err != nil {
			return err
		}
		return printJSON(map[string]int{"registered": n})
	},
}

var syncCoreCmd = &cobra.Command{
	Use:   "sync-core",
	Short: "Push documents not yet known to the core pid provider",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := setup(cmd.Context())
		if err != nil {
			return err
		}
		defer a.logger.Sync()

		if !a.cfg.CoreEnabled() {
			return core.ErrNotConfigured
		}
		n, err := services.NewCoreSync(a.provider, core.NewClient(a.cfg, a.logger), a.logger).Run(cmd.Context(), batch)
		if err != nil {
			return err
		}
		return printJSON(map[string]int{"synced": n})
	},
}

func init() {
	retryFetchCmd.Flags().IntVar(&batch, "batch", 100, "maximum number of records")
	syncCoreCmd.Flags().IntVar(&batch, "batch", 100, "maximum number of records")
	rootCmd.AddCommand(fixPidV2Cmd, retryFetchCmd, syncCoreCmd)
}
