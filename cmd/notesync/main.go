package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v3"

	"github.com/photonotes/notesync/internal/config"
	"github.com/photonotes/notesync/internal/daemon"
)

func loadApp(cmd *cli.Command) (*daemon.App, error) {
	cfg := config.NewDefault()
	if err := config.Load(cmd.String("config"), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return daemon.New(cfg)
}

func runSync(ctx context.Context, cmd *cli.Command) error {
	app, err := loadApp(cmd)
	if err != nil {
		return err
	}
	return app.SyncOnce(ctx)
}

func runListen(ctx context.Context, cmd *cli.Command) error {
	app, err := loadApp(cmd)
	if err != nil {
		return err
	}
	return app.Run(ctx)
}

func runNote(ctx context.Context, cmd *cli.Command) error {
	image := cmd.Args().First()
	if image == "" {
		return fmt.Errorf("usage: notesync note <image-file>")
	}
	app, err := loadApp(cmd)
	if err != nil {
		return err
	}
	return app.GenerateNote(ctx, image, func(chunk string) {
		fmt.Print(chunk)
	})
}

func main() {
	cmd := &cli.Command{
		Name:  "notesync",
		Usage: "Keep a local Markdown vault in sync with a remote notebook service",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to config file",
				Value:   "notesync.yaml",
				Sources: cli.EnvVars("NOTESYNC_CONFIG_FILE"),
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "sync",
				Usage:  "Run one reconciliation pass against the remote manifest",
				Action: runSync,
			},
			{
				Name:   "listen",
				Usage:  "Subscribe to the change feed and apply updates as they occur",
				Action: runListen,
			},
			{
				Name:      "note",
				Usage:     "Generate a note from an image and stream it to stdout",
				ArgsUsage: "<image-file>",
				Action:    runNote,
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		slog.Error("notesync failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
