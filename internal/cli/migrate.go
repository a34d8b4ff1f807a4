package cli

import (
	"agentsync/internal/logging"
	"agentsync/internal/storage"

	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the database tables",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		driver := cfg.BasicConfig.Database
		db, err := storage.Open(driver, cfg)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := storage.Migrate(db, driver); err != nil {
			return err
		}
		logging.Info().Str("driver", driver).Msg("database migrated")
		return nil
	},
}
