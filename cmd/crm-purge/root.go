package main

import (
	"github.com/spf13/cobra"

	"github.com/withObsrvr/crm-purge/internal/config"
	"github.com/withObsrvr/crm-purge/internal/logging"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "crm-purge",
		Short: "Extract, bulk-delete and verify CRM records on a schedule",
		Long: `crm-purge extracts record ids per object type into flat files, deletes
them with the Salesforce Bulk API, merges per-record failures into a
deduplicated error log and verifies which records are still present.
Without a subcommand it runs the scheduler.`,
		Version:       version + " (" + gitSHA + ")",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runDaemon,
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Schedule extract, delete and verify and run until interrupted",
			Args:  cobra.NoArgs,
			RunE:  runDaemon,
		},
		newJobCmd("extract", "Fetch record ids and overwrite each identifier file"),
		newJobCmd("delete", "Bulk-delete the ids of each identifier file and merge the error log"),
		newJobCmd("verify", "Report which ids of each identifier file still exist"),
		newStatusCmd(),
	)
	return root
}

// loadConfig loads configuration and installs the configured logger.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return cfg, err
	}
	logging.Setup(cfg.Logging)
	return cfg, nil
}
