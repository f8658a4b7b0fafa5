// Package commands holds the critic command line: one subcommand per background service, one
// for all of them in a single process, and one for schema migrations.
package commands

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"critic/internal/config"
	"critic/internal/logger"
)

var (
	envFile   string
	envConfig *config.Config
)

var rootCmd = &cobra.Command{
	Use:          "critic",
	Short:        "Critic ref-update pipeline",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := godotenv.Load(envFile); err != nil {
			fmt.Printf("No %s file found\n", envFile)
		}
		envConfig = config.NewEnvConfig()
		envConfig.PrintConfigWithHiddenSecrets()
		logger.Setup(envConfig)
		return nil
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "file with environment variables to load first")

	rootCmd.AddCommand(
		serviceCommand(serviceGithook, "Serve the git hook socket"),
		serviceCommand(serviceBranchUpdater, "Apply pushed ref updates to branches"),
		serviceCommand(serviceReviewUpdater, "Turn review branch updates into review updates"),
		serviceCommand(serviceReplayer, "Replay merges and rebases for conflict analysis"),
		allCmd,
		migrateCmd,
	)
}
