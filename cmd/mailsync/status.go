package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/urfave/cli/v2"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/store"
)

func registerStatusCommand(app *cli.App) {
	app.Commands = append(app.Commands, &cli.Command{
		Name:  "status",
		Usage: "show sync cursors and stored message counts",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "account", Aliases: []string{"a"}},
		},
		Action: runStatus,
	})
}

func runStatus(c *cli.Context) error {
	e, err := loadEnv(c)
	if err != nil {
		return err
	}
	defer e.close()
	if err := e.openStore(); err != nil {
		return err
	}

	var accts []model.Account
	if id := c.String("account"); id != "" {
		acct, err := e.store.GetAccount(c.Context, id)
		if err != nil {
			return err
		}
		accts = []model.Account{*acct}
	} else if accts, err = e.store.ListAccounts(c.Context); err != nil {
		return err
	}

	for _, acct := range accts {
		folders, err := e.store.ListFolders(c.Context, acct.ID)
		if err != nil {
			return err
		}
		cursors, err := e.store.ListCursors(c.Context, acct.ID)
		if err != nil {
			return err
		}
		writeAccountStatus(c.App.Writer, acct, folders, cursors)
	}

	stats, err := e.store.Stats(c.Context)
	if err != nil {
		return err
	}
	writeStats(c.App.Writer, stats)
	return nil
}

func writeAccountStatus(w io.Writer, acct model.Account, folders []model.Folder, cursors []model.SyncCursor) {
	byFolder := make(map[string]model.SyncCursor, len(cursors))
	for _, cur := range cursors {
		byFolder[cur.Folder] = cur
	}

	fmt.Fprintf(w, "%s (%s)\n", acct.ID, acct.IMAP.Username)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "  FOLDER\tROLE\tEPOCH\tLAST UID\tREMOTE\tLAST SYNC")
	for _, f := range folders {
		lastUID, lastSync := "-", "never"
		if cur, ok := byFolder[f.Name]; ok {
			lastUID = fmt.Sprint(cur.LastUID)
			lastSync = cur.LastSync.Local().Format("2006-01-02 15:04:05")
		}
		role := string(f.SpecialUse)
		if !f.Selectable {
			role = "noselect"
		}
		fmt.Fprintf(tw, "  %s\t%s\t%d\t%s\t%d\t%s\n", f.Name, role, f.ValidityEpoch, lastUID, f.MessageCount, lastSync)
	}
	tw.Flush()
}

func writeStats(w io.Writer, st store.Stats) {
	fmt.Fprintf(w, "stored: %d messages, %d recipients, %d attachments\n", st.Messages, st.Recipients, st.Attachments)
}
