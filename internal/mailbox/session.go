// Package mailbox is the IMAP side of synchronization: one authenticated
// session per sync attempt, exposing folder listing, UID-indexed search
// and fetch, and flag queries.
package mailbox

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"mime"
	"net"
	"slices"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message/charset"
	log "github.com/sirupsen/logrus"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/vault"
)

const (
	defaultDialTimeout    = 30 * time.Second
	defaultCommandTimeout = 2 * time.Minute
)

// Dialer opens sessions. The zero value is usable.
type Dialer struct {
	// DialTimeout bounds TCP connect, TLS handshake and greeting.
	DialTimeout time.Duration

	// CommandTimeout bounds every session operation.
	CommandTimeout time.Duration

	// TLSConfig is cloned for each connection; ServerName and
	// InsecureSkipVerify are filled in from the account.
	TLSConfig *tls.Config

	Log log.FieldLogger
}

func (d *Dialer) logger() log.FieldLogger {
	if d.Log == nil {
		return log.StandardLogger()
	}
	return d.Log
}

// Connect dials the account's server and authenticates with creds.
// Network failures yield a ConnectionError; rejected credentials yield an
// AuthError.
func (d *Dialer) Connect(ctx context.Context, acct model.Account, creds vault.Credentials) (*Session, error) {
	auth, err := AuthenticatorFor(ctx, acct, creds)
	if err != nil {
		return nil, err
	}
	return d.ConnectWith(ctx, acct, auth)
}

// ConnectWith is Connect with an explicit authenticator.
func (d *Dialer) ConnectWith(ctx context.Context, acct model.Account, auth Authenticator) (*Session, error) {
	addr := acct.Addr()
	logger := d.logger().WithFields(log.Fields{"account": acct.ID, "addr": addr})

	dialTimeout := d.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = defaultDialTimeout
	}
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	client, err := d.dial(dialCtx, acct, addr)
	if err != nil {
		return nil, &ConnectionError{Addr: addr, Op: "dial", Err: err}
	}

	stop := context.AfterFunc(dialCtx, func() { client.Close() })
	err = client.WaitGreeting()
	stop()
	if err != nil {
		client.Close()
		return nil, &ConnectionError{Addr: addr, Op: "greeting", Err: contextCause(dialCtx, err)}
	}

	stop = context.AfterFunc(dialCtx, func() { client.Close() })
	err = auth.Authenticate(dialCtx, client)
	stopped := stop()
	if err != nil {
		client.Close()
		if !stopped {
			return nil, &ConnectionError{Addr: addr, Op: "authenticate", Err: contextCause(dialCtx, err)}
		}
		return nil, classifyAuth(addr, acct.IMAP.Username, auth.Method(), err)
	}

	logger.WithField("method", auth.Method()).Debug("mailbox_session_opened")

	commandTimeout := d.CommandTimeout
	if commandTimeout <= 0 {
		commandTimeout = defaultCommandTimeout
	}
	return &Session{
		client:  client,
		addr:    addr,
		timeout: commandTimeout,
		log:     logger,
	}, nil
}

func (d *Dialer) dial(ctx context.Context, acct model.Account, addr string) (*imapclient.Client, error) {
	var nd net.Dialer
	conn, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	tlsConfig := &tls.Config{}
	if d.TLSConfig != nil {
		tlsConfig = d.TLSConfig.Clone()
	}
	if tlsConfig.ServerName == "" {
		tlsConfig.ServerName = acct.IMAP.Host
	}
	if acct.IMAP.InsecureSkipVerify {
		tlsConfig.InsecureSkipVerify = true
	}

	opts := &imapclient.Options{
		TLSConfig:   tlsConfig,
		WordDecoder: &mime.WordDecoder{CharsetReader: charset.Reader},
	}

	switch {
	case acct.IMAP.TLS:
		tlsConn := tls.Client(conn, tlsConfig)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, fmt.Errorf("tls handshake: %w", err)
		}
		return imapclient.New(tlsConn, opts), nil
	case acct.IMAP.StartTLS:
		if deadline, ok := ctx.Deadline(); ok {
			conn.SetDeadline(deadline)
			defer conn.SetDeadline(time.Time{})
		}
		client, err := imapclient.NewStartTLS(conn, opts)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("starttls: %w", err)
		}
		return client, nil
	default:
		return imapclient.New(conn, opts), nil
	}
}

// Session is one authenticated IMAP connection. It is not safe for
// concurrent use.
type Session struct {
	client   *imapclient.Client
	addr     string
	timeout  time.Duration
	log      log.FieldLogger
	selected string
	meta     model.FolderMeta
}

// run executes fn with the session's command timeout. If ctx ends first
// the connection is torn down, which unblocks fn.
func (s *Session) run(ctx context.Context, fn func() error) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	stop := context.AfterFunc(ctx, func() { s.client.Close() })
	err := fn()
	if !stop() && err != nil {
		return contextCause(ctx, err)
	}
	return err
}

// classify maps a command failure onto ProtocolError (the server said NO
// or BAD) or ConnectionError (anything else).
func (s *Session) classify(folder, op string, err error) error {
	var imapErr *imap.Error
	if errors.As(err, &imapErr) {
		return &ProtocolError{Folder: folder, Op: op, Err: err}
	}
	return &ConnectionError{Addr: s.addr, Op: op, Err: err}
}

// ListFolders returns every mailbox with its special-use role. Roles come
// from SPECIAL-USE attributes when the server sends them and are guessed
// from the name otherwise.
func (s *Session) ListFolders(ctx context.Context) ([]model.Folder, error) {
	var opts *imap.ListOptions
	if s.client.Caps().Has(imap.CapSpecialUse) {
		opts = &imap.ListOptions{ReturnSpecialUse: true}
	}

	var mailboxes []*imap.ListData
	err := s.run(ctx, func() error {
		var err error
		mailboxes, err = s.client.List("", "*", opts).Collect()
		return err
	})
	if err != nil {
		return nil, s.classify("", "list", err)
	}

	folders := make([]model.Folder, 0, len(mailboxes))
	for _, mb := range mailboxes {
		f := model.Folder{Name: mb.Mailbox, Selectable: true}
		if mb.Delim != 0 {
			f.Delimiter = string(mb.Delim)
		}
		for _, attr := range mb.Attrs {
			switch attr {
			case imap.MailboxAttrNoSelect, imap.MailboxAttrNonExistent:
				f.Selectable = false
			default:
				if use, ok := specialUseAttrs[attr]; ok {
					f.SpecialUse = use
				}
			}
		}
		if f.SpecialUse == model.SpecialUseNone {
			f.SpecialUse = model.GuessSpecialUse(f.Name)
		}
		folders = append(folders, f)
	}

	slices.SortFunc(folders, func(a, b model.Folder) int {
		switch {
		case a.Name < b.Name:
			return -1
		case a.Name > b.Name:
			return 1
		}
		return 0
	})
	return folders, nil
}

var specialUseAttrs = map[imap.MailboxAttr]model.SpecialUse{
	imap.MailboxAttrAll:     model.SpecialUseAll,
	imap.MailboxAttrArchive: model.SpecialUseArchive,
	imap.MailboxAttrDrafts:  model.SpecialUseDrafts,
	imap.MailboxAttrFlagged: model.SpecialUseFlagged,
	imap.MailboxAttrJunk:    model.SpecialUseJunk,
	imap.MailboxAttrSent:    model.SpecialUseSent,
	imap.MailboxAttrTrash:   model.SpecialUseTrash,
}

// SelectFolder opens folder read-only and reports its UIDVALIDITY and
// message count. A folder the server refuses yields a ProtocolError.
func (s *Session) SelectFolder(ctx context.Context, folder string) (model.FolderMeta, error) {
	var data *imap.SelectData
	err := s.run(ctx, func() error {
		var err error
		data, err = s.client.Select(folder, &imap.SelectOptions{ReadOnly: true}).Wait()
		return err
	})
	if err != nil {
		s.selected = ""
		return model.FolderMeta{}, s.classify(folder, "select", err)
	}

	s.selected = folder
	s.meta = model.FolderMeta{ValidityEpoch: data.UIDValidity, MessageCount: data.NumMessages}
	s.log.WithFields(log.Fields{
		"folder":         folder,
		"validity_epoch": data.UIDValidity,
		"messages":       data.NumMessages,
	}).Trace("mailbox_folder_selected")
	return s.meta, nil
}

func (s *Session) ensureSelected(ctx context.Context, folder string) error {
	if s.selected == folder {
		return nil
	}
	_, err := s.SelectFolder(ctx, folder)
	return err
}

// SearchUIDs returns the UIDs in folder strictly greater than
// minExclusive, ascending.
func (s *Session) SearchUIDs(ctx context.Context, folder string, minExclusive uint32) ([]uint32, error) {
	if minExclusive == ^uint32(0) {
		return nil, nil
	}
	if err := s.ensureSelected(ctx, folder); err != nil {
		return nil, err
	}

	// "n:*" always matches the highest UID, even when it is below n.
	criteria := &imap.SearchCriteria{
		UID: []imap.UIDSet{{imap.UIDRange{Start: imap.UID(minExclusive + 1), Stop: 0}}},
	}

	var found []imap.UID
	err := s.run(ctx, func() error {
		data, err := s.client.UIDSearch(criteria, nil).Wait()
		if err != nil {
			return err
		}
		found = data.AllUIDs()
		return nil
	})
	if err != nil {
		return nil, s.classify(folder, "uid search", err)
	}

	uids := make([]uint32, 0, len(found))
	for _, uid := range found {
		if uint32(uid) > minExclusive {
			uids = append(uids, uint32(uid))
		}
	}
	slices.Sort(uids)
	return slices.Compact(uids), nil
}

// FetchByUIDRange returns up to limit messages (0 = no cap) with UID
// greater than minExclusive, in ascending UID order.
func (s *Session) FetchByUIDRange(ctx context.Context, folder string, minExclusive uint32, limit int) ([]model.RawMessage, error) {
	uids, err := s.SearchUIDs(ctx, folder, minExclusive)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(uids) > limit {
		uids = uids[:limit]
	}
	return s.FetchUIDs(ctx, folder, uids)
}

// FetchUIDs fetches full messages by UID, in ascending UID order. UIDs the
// server no longer has are silently absent from the result.
func (s *Session) FetchUIDs(ctx context.Context, folder string, uids []uint32) ([]model.RawMessage, error) {
	if len(uids) == 0 {
		return nil, nil
	}
	if err := s.ensureSelected(ctx, folder); err != nil {
		return nil, err
	}

	section := &imap.FetchItemBodySection{Peek: true}
	opts := &imap.FetchOptions{
		UID:          true,
		Flags:        true,
		InternalDate: true,
		RFC822Size:   true,
		BodySection:  []*imap.FetchItemBodySection{section},
	}

	var msgs []model.RawMessage
	err := s.run(ctx, func() error {
		cmd := s.client.Fetch(imap.UIDSetNum(toUIDs(uids)...), opts)
		defer cmd.Close()

		for {
			data := cmd.Next()
			if data == nil {
				break
			}
			buf, err := data.Collect()
			if err != nil {
				return err
			}
			if buf.UID == 0 {
				continue
			}
			msgs = append(msgs, model.RawMessage{
				UID:          uint32(buf.UID),
				Flags:        flagsFromIMAP(buf.Flags),
				InternalDate: buf.InternalDate,
				Size:         buf.RFC822Size,
				Body:         buf.FindBodySection(section),
			})
		}
		return cmd.Close()
	})
	if err != nil {
		return nil, s.classify(folder, "uid fetch", err)
	}

	slices.SortFunc(msgs, func(a, b model.RawMessage) int {
		return compareUID(a.UID, b.UID)
	})
	return msgs, nil
}

// FetchFlags returns the current flags of the given UIDs. UIDs that no
// longer exist in the folder are absent from the map.
func (s *Session) FetchFlags(ctx context.Context, folder string, uids []uint32) (map[uint32]model.MessageFlags, error) {
	flags := make(map[uint32]model.MessageFlags, len(uids))
	if len(uids) == 0 {
		return flags, nil
	}
	if err := s.ensureSelected(ctx, folder); err != nil {
		return nil, err
	}

	err := s.run(ctx, func() error {
		bufs, err := s.client.Fetch(imap.UIDSetNum(toUIDs(uids)...), &imap.FetchOptions{
			UID:   true,
			Flags: true,
		}).Collect()
		if err != nil {
			return err
		}
		for _, buf := range bufs {
			if buf.UID != 0 {
				flags[uint32(buf.UID)] = flagsFromIMAP(buf.Flags)
			}
		}
		return nil
	})
	if err != nil {
		return nil, s.classify(folder, "uid fetch flags", err)
	}
	return flags, nil
}

// Close logs out and closes the connection.
func (s *Session) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stop := context.AfterFunc(ctx, func() { s.client.Close() })
	defer stop()

	if err := s.client.Logout().Wait(); err != nil {
		s.log.WithError(err).Debug("mailbox_logout_failed")
	}
	if err := s.client.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

func toUIDs(uids []uint32) []imap.UID {
	out := make([]imap.UID, len(uids))
	for i, uid := range uids {
		out[i] = imap.UID(uid)
	}
	return out
}

func flagsFromIMAP(flags []imap.Flag) model.MessageFlags {
	var f model.MessageFlags
	for _, flag := range flags {
		switch flag {
		case imap.FlagSeen:
			f.Seen = true
		case imap.FlagFlagged:
			f.Flagged = true
		case imap.FlagAnswered:
			f.Answered = true
		case imap.FlagDeleted:
			f.Deleted = true
		case imap.FlagDraft:
			f.Draft = true
		}
	}
	return f
}

func compareUID(a, b uint32) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// contextCause prefers the context error once ctx is done, so timeouts
// read as timeouts rather than "use of closed connection".
func contextCause(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w (%v)", ctxErr, err)
	}
	return err
}

func isNetError(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr)
}
