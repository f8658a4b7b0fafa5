package commands

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	storageGorm "critic/internal/storage/gorm"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations and exit",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := storageGorm.RunMigrations(envConfig); err != nil {
			log.Error().Err(err).Str("layer", "cmd").Msg("migrations failed")
			return err
		}
		log.Info().Str("layer", "cmd").Str("source", envConfig.Database.MigrationsPath).Msg("migrations applied")
		return nil
	},
}
