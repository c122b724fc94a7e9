// Package main is the publisher command: it runs the queue workers, accepts
// publish requests and exposes the media engine for local checks.
//
// Settings come from the environment (see internal/config). A .env file in
// the working directory is loaded first when present.
package main

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/fpang/social-publisher/internal/config"
	"github.com/fpang/social-publisher/internal/logging"
)

// commitHash is set at build time with -ldflags "-X main.commitHash=...".
var commitHash string

var cfg config.Config

var rootCmd = &cobra.Command{
	Use:   "publisher",
	Short: "Publish one media file to every platform a project is configured for",
	Long: `publisher downloads a source media file once, validates it against each
configured platform, prepares a compliant copy per platform and uploads it,
recording every step as a trace.

Examples:
  publisher worker
  publisher publish --project demo --media https://example.com/clip.mp4 --title "Launch day"
  publisher inspect ./clip.mov
  publisher prep ./clip.mov --platform instagram --type reel
  publisher migrate
  publisher status --project demo --request req-123`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
			return err
		}
		logging.Init()
		loaded, err := config.Load()
		if err != nil {
			return err
		}
		cfg = loaded
		return nil
	},
}

func init() {
	rootCmd.AddCommand(workerCmd, publishCmd, prepCmd, inspectCmd, migrateCmd, statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("Command failed")
		os.Exit(1)
	}
}
