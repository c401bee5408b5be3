package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/store"
)

const dateLayout = "2006-01-02"

func registerSearchCommand(app *cli.App) {
	app.Commands = append(app.Commands, &cli.Command{
		Name:  "search",
		Usage: "search stored messages",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "account", Aliases: []string{"a"}},
			&cli.StringFlag{Name: "folder", Aliases: []string{"f"}},
			&cli.StringFlag{Name: "from", Usage: "substring of sender name or address"},
			&cli.StringFlag{Name: "to", Usage: "substring of any recipient"},
			&cli.StringFlag{Name: "subject", Usage: "substring of subject"},
			&cli.StringFlag{Name: "query", Aliases: []string{"q"}, Usage: "substring of subject or text body"},
			&cli.StringFlag{Name: "after", Usage: "sent on or after date (" + dateLayout + ")"},
			&cli.StringFlag{Name: "before", Usage: "sent before date (" + dateLayout + ")"},
			&cli.BoolFlag{Name: "unread", Usage: "only unread messages"},
			&cli.BoolFlag{Name: "read", Usage: "only read messages"},
			&cli.BoolFlag{Name: "with-attachments", Usage: "only messages with attachments"},
			&cli.BoolFlag{Name: "include-deleted", Usage: "include messages deleted on the server"},
			&cli.IntFlag{Name: "limit", Value: 50},
			&cli.IntFlag{Name: "offset"},
			&cli.BoolFlag{Name: "json", Usage: "print JSON"},
		},
		Action: runSearch,
	})
}

func searchFilter(c *cli.Context) (store.MessageFilter, error) {
	f := store.MessageFilter{
		AccountID:      c.String("account"),
		Folder:         c.String("folder"),
		From:           c.String("from"),
		To:             c.String("to"),
		Subject:        c.String("subject"),
		Query:          c.String("query"),
		IncludeDeleted: c.Bool("include-deleted"),
		Limit:          c.Int("limit"),
		Offset:         c.Int("offset"),
	}

	for _, d := range []struct {
		flag string
		dst  **time.Time
	}{{"after", &f.After}, {"before", &f.Before}} {
		if v := c.String(d.flag); v != "" {
			t, err := time.ParseInLocation(dateLayout, v, time.Local)
			if err != nil {
				return f, fmt.Errorf("--%s: %w", d.flag, err)
			}
			*d.dst = &t
		}
	}

	switch {
	case c.Bool("unread") && c.Bool("read"):
		return f, errors.New("--read and --unread are mutually exclusive")
	case c.Bool("unread"):
		f.IsRead = new(bool)
	case c.Bool("read"):
		read := true
		f.IsRead = &read
	}
	if c.Bool("with-attachments") {
		has := true
		f.HasAttachments = &has
	}
	return f, nil
}

func runSearch(c *cli.Context) error {
	filter, err := searchFilter(c)
	if err != nil {
		return err
	}
	e, err := loadEnv(c)
	if err != nil {
		return err
	}
	defer e.close()
	if err := e.openStore(); err != nil {
		return err
	}

	msgs, err := e.store.Search(c.Context, filter)
	if err != nil {
		return err
	}
	if c.Bool("json") {
		enc := json.NewEncoder(c.App.Writer)
		enc.SetIndent("", "  ")
		return enc.Encode(msgs)
	}
	writeMessageList(c.App.Writer, msgs)
	return nil
}

func writeMessageList(w io.Writer, msgs []model.Message) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tDATE\tFOLDER\tFROM\tSUBJECT\tFLAGS")
	for _, m := range msgs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			m.ID, m.Date.Local().Format("2006-01-02 15:04"), m.Folder,
			truncate(m.From.String(), 32), truncate(m.Subject, 60), messageFlags(m))
	}
	tw.Flush()
}

func messageFlags(m model.Message) string {
	var b strings.Builder
	for _, f := range []struct {
		set  bool
		mark byte
	}{{!m.IsRead, 'N'}, {m.IsFlagged, 'F'}, {m.HasAttachments, 'A'}, {m.IsDeleted, 'D'}, {m.MovedTo != "", 'M'}} {
		if f.set {
			b.WriteByte(f.mark)
		}
	}
	return b.String()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func registerShowCommand(app *cli.App) {
	app.Commands = append(app.Commands, &cli.Command{
		Name:      "show",
		Usage:     "print a stored message",
		ArgsUsage: "<message-id>",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "html", Usage: "print the HTML body instead of the text body"},
			&cli.BoolFlag{Name: "headers", Usage: "print every stored header"},
			&cli.BoolFlag{Name: "json", Usage: "print JSON"},
		},
		Action: runShow,
	})
}

func runShow(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("usage: mailsync show <message-id>", 2)
	}
	e, err := loadEnv(c)
	if err != nil {
		return err
	}
	defer e.close()
	if err := e.openStore(); err != nil {
		return err
	}

	msg, err := e.store.GetMessage(c.Context, c.Args().First())
	if errors.Is(err, store.ErrNotFound) {
		return cli.Exit(fmt.Sprintf("no message %s", c.Args().First()), 1)
	}
	if err != nil {
		return err
	}
	if c.Bool("json") {
		enc := json.NewEncoder(c.App.Writer)
		enc.SetIndent("", "  ")
		return enc.Encode(msg)
	}
	writeMessage(c.App.Writer, msg, c.Bool("headers"), c.Bool("html"))
	return nil
}

func writeMessage(w io.Writer, m *model.Message, allHeaders, html bool) {
	fmt.Fprintf(w, "From:    %s\n", m.From)
	for _, kind := range []struct {
		kind  model.RecipientKind
		label string
	}{{model.RecipientTo, "To:"}, {model.RecipientCc, "Cc:"}, {model.RecipientBcc, "Bcc:"}} {
		var addrs []string
		for _, r := range m.Recipients {
			if r.Kind == kind.kind {
				addrs = append(addrs, r.Address.String())
			}
		}
		if len(addrs) > 0 {
			fmt.Fprintf(w, "%-8s %s\n", kind.label, strings.Join(addrs, ", "))
		}
	}
	fmt.Fprintf(w, "Subject: %s\n", m.Subject)
	fmt.Fprintf(w, "Date:    %s\n", m.Date.Local().Format(time.RFC1123Z))
	fmt.Fprintf(w, "Folder:  %s (uid %d)\n", m.Folder, m.UID)
	if m.MovedTo != "" {
		fmt.Fprintf(w, "Moved:   %s\n", m.MovedTo)
	}
	if allHeaders {
		fmt.Fprintln(w)
		keys := make([]string, 0, len(m.Headers))
		for k := range m.Headers {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			for _, v := range strings.Split(m.Headers[k], "\n") {
				fmt.Fprintf(w, "%s: %s\n", k, v)
			}
		}
	}

	fmt.Fprintln(w)
	if html {
		fmt.Fprintln(w, m.HTMLBody)
	} else {
		fmt.Fprintln(w, m.TextBody)
	}

	if len(m.Attachments) > 0 {
		fmt.Fprintln(w, "Attachments:")
		for _, a := range m.Attachments {
			stored := ""
			if a.Locator != "" {
				stored = " [stored]"
			}
			fmt.Fprintf(w, "  %s  %s (%s, %d bytes)%s\n", a.ID, a.Filename, a.ContentType, a.Size, stored)
		}
	}
}

func registerAttachmentCommand(app *cli.App) {
	app.Commands = append(app.Commands, &cli.Command{
		Name:      "attachment",
		Usage:     "write a stored attachment to a file",
		ArgsUsage: "<attachment-id>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Usage: "output path (default: attachment filename in the current directory, - for stdout)"},
		},
		Action: runAttachment,
	})
}

func runAttachment(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("usage: mailsync attachment <attachment-id>", 2)
	}
	e, err := loadEnv(c)
	if err != nil {
		return err
	}
	defer e.close()
	if err := e.openStore(); err != nil {
		return err
	}

	id := c.Args().First()
	att, err := e.store.GetAttachment(c.Context, id)
	if errors.Is(err, store.ErrNotFound) {
		return cli.Exit(fmt.Sprintf("no attachment %s", id), 1)
	}
	if err != nil {
		return err
	}
	content, err := e.store.AttachmentContent(c.Context, id)
	if errors.Is(err, store.ErrNotFound) {
		return cli.Exit(fmt.Sprintf("attachment %s was not downloaded; sync with --attachments", id), 1)
	}
	if err != nil {
		return err
	}

	out := c.String("out")
	if out == "-" {
		_, err := c.App.Writer.Write(content)
		return err
	}
	if out == "" {
		out = attachmentFilename(att)
	}
	if err := os.WriteFile(out, content, 0o600); err != nil {
		return fmt.Errorf("writing attachment: %w", err)
	}
	fmt.Fprintf(c.App.ErrWriter, "wrote %d bytes to %s\n", len(content), out)
	return nil
}

// attachmentFilename picks a local file name for att, never a path.
func attachmentFilename(att *model.Attachment) string {
	name := filepath.Base(filepath.Clean("/" + att.Filename))
	if name == "/" || name == "." || name == "" {
		name = fmt.Sprintf("attachment-%d", att.PartIndex)
	}
	return name
}
