package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/fpang/social-publisher/internal/cli"
	"github.com/fpang/social-publisher/internal/media"
)

var inspectJSONFlag bool

var inspectCmd = &cobra.Command{
	Use:   "inspect <file>",
	Short: "Print the technical metadata of a media file",
	Args:  cobra.ExactArgs(1),
	RunE:  runInspect,
}

func init() {
	inspectCmd.Flags().BoolVar(&inspectJSONFlag, "json", false, "Print JSON instead of a summary")
}

func runInspect(cmd *cobra.Command, args []string) error {
	path, err := cli.ResolveMediaFile(args[0])
	if err != nil {
		return err
	}
	info, err := media.NewToolInspector(cfg.FFprobePath).Inspect(cmd.Context(), path, media.DetectType(path))
	if err != nil {
		return err
	}
	if inspectJSONFlag {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}

	fmt.Printf("%s (%s, %s)\n", path, info.Type, cli.FormatSize(info.FileSize))
	fmt.Printf("  dimensions: %dx%d (aspect %.3f)\n", info.Width, info.Height, info.AspectRatio)
	if info.Type == media.TypeVideo {
		fmt.Printf("  duration:   %s\n", cli.FormatDurationShort(time.Duration(info.Duration*float64(time.Second))))
		fmt.Printf("  codecs:     %s / %s at %.2f fps\n", info.VideoCodec, info.AudioCodec, info.FrameRate)
	}
	if info.Format != "" {
		fmt.Printf("  format:     %s\n", info.Format)
	}
	if !info.CapturedAt.IsZero() {
		fmt.Printf("  captured:   %s\n", info.CapturedAt.Format(time.RFC3339))
	}
	return nil
}
