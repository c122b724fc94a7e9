package main

import (
	"encoding/json"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/fpang/social-publisher/internal/cli"
	"github.com/fpang/social-publisher/internal/media"
)

var (
	prepPlatformFlag string
	prepTypeFlag     string
	prepEnforceFlag  bool
)

var prepCmd = &cobra.Command{
	Use:   "prep <file>",
	Short: "Validate a file against a platform and convert it if needed",
	Args:  cobra.ExactArgs(1),
	RunE:  runPrep,
}

func init() {
	prepCmd.Flags().StringVar(&prepPlatformFlag, "platform", "instagram", "Target platform")
	prepCmd.Flags().StringVar(&prepTypeFlag, "type", string(media.UploadReel), "Upload type, e.g. image, reel, video, short")
	prepCmd.Flags().BoolVar(&prepEnforceFlag, "enforce", false, "Fail on constraint violations instead of converting")
}

func runPrep(cmd *cobra.Command, args []string) error {
	path, err := cli.ResolveMediaFile(args[0])
	if err != nil {
		return err
	}
	reqs, err := media.DefaultCatalog().Lookup(prepPlatformFlag, media.UploadType(prepTypeFlag))
	if err != nil {
		return err
	}
	engine := media.NewEngine(media.NewToolInspector(cfg.FFprobePath), media.NewToolTranscoder(cfg.FFmpegPath))
	result, err := engine.Prepare(cmd.Context(), media.PrepRequest{
		FilePath:           path,
		Requirements:       reqs,
		Platform:           prepPlatformFlag,
		EnforceConstraints: prepEnforceFlag,
		TraceID:            "local-" + uuid.NewString()[:8],
	})
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}
