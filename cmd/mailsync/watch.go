package main

import (
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	msync "github.com/nhle/mailsync/internal/sync"
)

func registerWatchCommand(app *cli.App) {
	app.Commands = append(app.Commands, &cli.Command{
		Name:  "watch",
		Usage: "sync every account on its poll interval until interrupted",
		Description: `Each account is synced immediately and then every poll_interval_sec
seconds. SIGHUP triggers an immediate sync of every account.`,
		Flags: append(syncFlags(),
			&cli.DurationFlag{Name: "run-timeout", Usage: "abandon an account run after this long, 0 for no limit"},
		),
		Action: runWatch,
	})
}

func runWatch(c *cli.Context) error {
	e, err := loadEnv(c)
	if err != nil {
		return err
	}
	defer e.close()

	accts, err := e.accounts("")
	if err != nil {
		return err
	}
	if err := e.openVault(); err != nil {
		return err
	}
	if err := e.openStore(); err != nil {
		return err
	}

	poller := msync.NewPoller(e.engine(), syncOptions(c, e), c.Duration("run-timeout"), e.log)
	for _, acct := range accts {
		poller.Register(acct)
	}

	e.log.WithFields(log.Fields{
		"accounts": len(accts),
		"config":   e.configPath,
	}).Info("watch_starting")
	poller.Start()
	defer poller.Stop()

	sigchan := make(chan os.Signal, 10)
	signal.Notify(sigchan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigchan)

	for {
		select {
		case sig := <-sigchan:
			if sig == syscall.SIGHUP {
				log.WithField("signal", sig).Info("watch_refresh_requested")
				poller.RefreshAll()
				continue
			}
			log.WithField("signal", sig).Info("received_interrupt")
			return nil
		case res := <-poller.Results():
			if res.Report != nil {
				writeSummary(c.App.Writer, res.Report)
			}
			if res.AuthError {
				e.log.WithField("account", res.AccountID).Error("watch_credentials_rejected")
			}
		case <-c.Context.Done():
			return nil
		}
	}
}
