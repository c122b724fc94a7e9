package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"github.com/fpang/social-publisher/internal/intake"
)

// ResolveMediaFile checks that the path exists and is a regular file, then
// returns the absolute path.
func ResolveMediaFile(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("media file not found: %s", path)
		}
		return "", fmt.Errorf("access media file: %w", err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("path is a directory: %s", path)
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	return path, nil
}

// HandleRequestError logs a rejected publish request with a message for its
// cause and exits.
func HandleRequestError(err error) {
	var reqErr *intake.RequestError
	if errors.As(err, &reqErr) {
		switch reqErr.Type {
		case intake.ErrTypeMissingField:
			log.Fatal().Err(err).Msg("Publish request is incomplete")
		case intake.ErrTypeInvalidMedia:
			log.Fatal().Err(err).Msg("Media reference is not a supported source. Use an http(s) URL, an s3:// URI or an absolute path")
		case intake.ErrTypeUnknownProject:
			log.Fatal().Err(err).Msg("Project has no platforms configured. Check PROJECTS_FILE or the project table")
		default:
			log.Fatal().Err(err).Msg("Publish request rejected")
		}
	} else {
		log.Fatal().Err(err).Msg("unexpected error while accepting publish request")
	}
	os.Exit(1)
}
