package main

import (
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/nhle/mailsync/internal/model"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	app := &cli.App{
		Name:  "mailsync",
		Usage: "incrementally copy IMAP mailboxes into a local database",
		Description: `mailsync fetches new messages from each configured IMAP account in
UID order and stores them locally. Progress is committed per batch, so an
interrupted run resumes where it stopped.`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to the YAML config file",
				Value:   model.DefaultConfigPath(),
				EnvVars: []string{"MAILSYNC_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "trace, debug, info, warn or error (overrides config)",
			},
			&cli.StringFlag{
				Name:  "log-format",
				Usage: "text or json (overrides config)",
			},
		},
	}

	registerSyncCommand(app)
	registerWatchCommand(app)
	registerEncryptCommand(app)
	registerSearchCommand(app)
	registerShowCommand(app)
	registerAttachmentCommand(app)
	registerStatusCommand(app)
	return app
}
