package main

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/fpang/social-publisher/internal/bootstrap"
	"github.com/fpang/social-publisher/internal/cli"
	"github.com/fpang/social-publisher/internal/intake"
)

var publishReq intake.Request

var publishEnforceFlag string

var publishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Queue a publish request and print its receipt",
	RunE:  runPublish,
}

func init() {
	f := publishCmd.Flags()
	f.StringVarP(&publishReq.ProjectID, "project", "p", "", "Project id")
	f.StringVarP(&publishReq.MediaURL, "media", "m", "", "Media URL, s3:// URI or absolute path")
	f.StringVar(&publishReq.Title, "title", "", "Post title")
	f.StringVar(&publishReq.Description, "description", "", "Post description")
	f.StringSliceVar(&publishReq.Tags, "tag", nil, "Hashtag (repeatable)")
	f.StringVar(&publishReq.IdempotencyKey, "idempotency-key", "", "Key that makes a retried request resolve to the first trace")
	f.StringVar(&publishEnforceFlag, "enforce", "", "Override strict media constraints (true or false)")
}

func runPublish(cmd *cobra.Command, args []string) error {
	switch publishEnforceFlag {
	case "true", "false":
		v := publishEnforceFlag == "true"
		publishReq.EnforceConstraints = &v
	}
	if publishReq.MediaURL != "" && !isRemote(publishReq.MediaURL) {
		path, err := cli.ResolveMediaFile(publishReq.MediaURL)
		if err != nil {
			return err
		}
		publishReq.MediaURL = path
	}

	ctx := cmd.Context()
	app, err := bootstrap.Build(ctx, cfg, "publisher-cli")
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		app.Close(closeCtx)
	}()

	receipt, err := app.Intake.Accept(ctx, publishReq)
	var reqErr *intake.RequestError
	if errors.As(err, &reqErr) {
		cli.HandleRequestError(err)
	}
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(receipt)
}

func isRemote(ref string) bool {
	for _, p := range []string{"http://", "https://", "s3://"} {
		if strings.HasPrefix(ref, p) {
			return true
		}
	}
	return false
}
