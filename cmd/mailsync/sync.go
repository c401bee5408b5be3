package main

import (
	"github.com/urfave/cli/v2"

	msync "github.com/nhle/mailsync/internal/sync"
)

func registerSyncCommand(app *cli.App) {
	app.Commands = append(app.Commands, &cli.Command{
		Name:  "sync",
		Usage: "fetch new messages once",
		Flags: append(syncFlags(),
			&cli.StringFlag{Name: "account", Aliases: []string{"a"}, Usage: "account id (default: all accounts)"},
			&cli.StringFlag{Name: "folder", Aliases: []string{"f"}, Usage: "single folder to sync (default: all)"},
			&cli.BoolFlag{Name: "quiet", Aliases: []string{"q"}, Usage: "no progress output"},
		),
		Action: runSync,
	})
}

// syncFlags are the options shared by sync and watch. Unset flags fall back
// to the sync section of the config.
func syncFlags() []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{Name: "batch-size", Usage: "messages per committed batch"},
		&cli.IntFlag{Name: "max-emails", Usage: "cap on new messages per folder, 0 for none"},
		&cli.BoolFlag{Name: "attachments", Usage: "store attachment content"},
		&cli.BoolFlag{Name: "check-status", Usage: "reconcile read/deleted/moved state of synced messages"},
	}
}

func syncOptions(c *cli.Context, e *env) msync.Options {
	opts := msync.Options{
		BatchSize:   e.cfg.Sync.BatchSize,
		MaxEmails:   e.cfg.Sync.MaxEmails,
		Attachments: e.cfg.Sync.Attachments,
		CheckStatus: e.cfg.Sync.CheckStatus,
	}
	if c.IsSet("batch-size") {
		opts.BatchSize = c.Int("batch-size")
	}
	if c.IsSet("max-emails") {
		opts.MaxEmails = c.Int("max-emails")
	}
	if c.IsSet("attachments") {
		opts.Attachments = c.Bool("attachments")
	}
	if c.IsSet("check-status") {
		opts.CheckStatus = c.Bool("check-status")
	}
	return opts
}

func runSync(c *cli.Context) error {
	e, err := loadEnv(c)
	if err != nil {
		return err
	}
	defer e.close()

	accts, err := e.accounts(c.String("account"))
	if err != nil {
		return err
	}
	if err := e.openVault(); err != nil {
		return err
	}
	if err := e.openStore(); err != nil {
		return err
	}

	opts := syncOptions(c, e)
	opts.Folder = c.String("folder")
	if !c.Bool("quiet") {
		opts.Observer = &progressPrinter{w: c.App.Writer, showAccount: len(accts) > 1}
	}

	reports := e.engine().RunAll(c.Context, accts, opts, e.cfg.Sync.Concurrency)

	failed := 0
	for _, r := range reports {
		writeSummary(c.App.Writer, r)
		if r.AllErrors() != nil {
			failed++
		}
	}
	if failed > 0 {
		return cli.Exit("", 1)
	}
	return nil
}
