// Package sync copies mail from remote folders into the local store.
//
// A run walks the folders of one account in turn. For each folder it checks
// the remote validity epoch against the stored cursor, fetches new messages
// in UID order in batches, and advances the cursor only after a batch is
// stored. A run interrupted at any point resumes from the last committed
// batch.
package sync

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/nhle/mailsync/internal/mailbox"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/parser"
	"github.com/nhle/mailsync/internal/store"
	"github.com/nhle/mailsync/internal/vault"
)

const DefaultBatchSize = 100

// Session is the remote side of a run. *mailbox.Session implements it.
type Session interface {
	ListFolders(ctx context.Context) ([]model.Folder, error)
	SelectFolder(ctx context.Context, folder string) (model.FolderMeta, error)
	SearchUIDs(ctx context.Context, folder string, minExclusive uint32) ([]uint32, error)
	FetchUIDs(ctx context.Context, folder string, uids []uint32) ([]model.RawMessage, error)
	FetchFlags(ctx context.Context, folder string, uids []uint32) (map[uint32]model.MessageFlags, error)
	Close() error
}

// Connector opens an authenticated session for an account.
type Connector interface {
	Connect(ctx context.Context, acct model.Account, creds vault.Credentials) (Session, error)
}

// ConnectorFunc adapts a function to Connector.
type ConnectorFunc func(ctx context.Context, acct model.Account, creds vault.Credentials) (Session, error)

func (f ConnectorFunc) Connect(ctx context.Context, acct model.Account, creds vault.Credentials) (Session, error) {
	return f(ctx, acct, creds)
}

// DialerConnector connects through a mailbox.Dialer.
func DialerConnector(d *mailbox.Dialer) Connector {
	return ConnectorFunc(func(ctx context.Context, acct model.Account, creds vault.Credentials) (Session, error) {
		sess, err := d.Connect(ctx, acct, creds)
		if err != nil {
			return nil, err
		}
		return sess, nil
	})
}

// CredentialSource decrypts account secrets. *vault.Vault implements it.
type CredentialSource interface {
	Credentials(acct model.Account) (vault.Credentials, error)
}

// Options controls one run.
type Options struct {
	// Folder restricts the run to one folder. Empty means the account's
	// configured folders, or every selectable folder when none are
	// configured.
	Folder string

	BatchSize int
	// MaxEmails caps new messages fetched per folder; 0 means no cap.
	MaxEmails int
	// Attachments stores attachment bytes in the blob store.
	Attachments bool
	// CheckStatus reconciles flags of already-synced messages.
	CheckStatus bool

	Observer ProgressObserver
}

func (o Options) batchSize() int {
	if o.BatchSize <= 0 {
		return DefaultBatchSize
	}
	return o.BatchSize
}

func (o Options) observer() ProgressObserver {
	if o.Observer == nil {
		return nopObserver{}
	}
	return o.Observer
}

// Engine runs syncs. It holds no per-run state and may be used by several
// goroutines at once, one account per goroutine.
type Engine struct {
	store     store.Store
	creds     CredentialSource
	connector Connector
	log       log.FieldLogger
	now       func() time.Time
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger sets the engine's logger.
func WithLogger(l log.FieldLogger) EngineOption {
	return func(e *Engine) { e.log = l }
}

// New creates an engine writing to s, decrypting secrets with creds and
// opening sessions with connector.
func New(s store.Store, creds CredentialSource, connector Connector, opts ...EngineOption) *Engine {
	e := &Engine{
		store:     s,
		creds:     creds,
		connector: connector,
		log:       log.StandardLogger(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run syncs one account. The report is always returned. The error is
// non-nil only when the account attempt was aborted (credentials,
// connection or authentication); folder-level failures are recorded in the
// report and the run moves on to the next folder.
func (e *Engine) Run(ctx context.Context, acct model.Account, opts Options) (*Report, error) {
	report := &Report{AccountID: acct.ID, StartedAt: e.now()}
	logger := e.log.WithField("account", acct.ID)

	fail := func(folder string, err error) (*Report, error) {
		syncErr := &SyncError{AccountID: acct.ID, Folder: folder, Err: err}
		report.Err = syncErr
		report.FinishedAt = e.now()
		logger.WithError(err).Error("sync_account_failed")
		return report, syncErr
	}

	if err := e.store.UpsertAccount(ctx, acct); err != nil {
		return fail("", err)
	}

	creds, err := e.creds.Credentials(acct)
	if err != nil {
		return fail("", err)
	}
	sess, err := e.connector.Connect(ctx, acct, creds)
	if err != nil {
		return fail("", err)
	}
	defer sess.Close()

	folders, err := e.resolveFolders(ctx, sess, acct, opts)
	if err != nil {
		return fail("", err)
	}

	for _, f := range folders {
		fr := e.syncFolder(ctx, sess, acct, f, opts)
		report.Folders = append(report.Folders, fr)
		if fr.Err != nil && abortsAccount(fr.Err) {
			report.Err = fr.Err
			report.FinishedAt = e.now()
			logger.WithError(fr.Err).Error("sync_account_failed")
			return report, fr.Err
		}
	}

	report.FinishedAt = e.now()
	logger.WithFields(log.Fields{
		"folders":  len(report.Folders),
		"fetched":  report.Fetched(),
		"skipped":  report.Skipped(),
		"failed":   len(report.Failed()),
		"duration": report.Duration().String(),
	}).Info("sync_account_finished")
	return report, nil
}

// resolveFolders decides which folders a run covers. Listed folders are
// recorded in the store with their special-use role.
func (e *Engine) resolveFolders(ctx context.Context, sess Session, acct model.Account, opts Options) ([]model.Folder, error) {
	var names []string
	switch {
	case opts.Folder != "":
		names = []string{opts.Folder}
	case len(acct.Folders) > 0:
		names = acct.Folders
	}

	listed, err := sess.ListFolders(ctx)
	if err != nil {
		if names == nil || abortsAccount(err) {
			return nil, err
		}
		// Some servers restrict LIST; explicitly named folders still work.
		e.log.WithError(err).WithField("account", acct.ID).Warn("sync_list_folders_failed")
	}

	byName := make(map[string]model.Folder, len(listed))
	for _, f := range listed {
		f.AccountID = acct.ID
		byName[f.Name] = f
		if err := e.store.UpsertFolder(ctx, f); err != nil {
			return nil, err
		}
	}

	if names == nil {
		var folders []model.Folder
		for _, f := range listed {
			if f.Selectable {
				folders = append(folders, byName[f.Name])
			}
		}
		return folders, nil
	}

	folders := make([]model.Folder, 0, len(names))
	for _, name := range names {
		f, ok := byName[name]
		if !ok {
			f = model.Folder{
				AccountID:  acct.ID,
				Name:       name,
				Selectable: true,
				SpecialUse: model.GuessSpecialUse(name),
			}
		}
		folders = append(folders, f)
	}
	return folders, nil
}

// folderRun is the state of one folder attempt.
type folderRun struct {
	e      *Engine
	sess   Session
	acct   model.Account
	folder model.Folder
	opts   Options
	log    log.FieldLogger
	report FolderReport
	cursor model.SyncCursor
}

func (r *folderRun) transition(to State) {
	r.log.WithFields(log.Fields{
		"from": r.report.State.String(),
		"to":   to.String(),
	}).Debug("sync_state_change")
	r.report.State = to
}

func (r *folderRun) fail(err error) FolderReport {
	r.report.Err = &SyncError{
		AccountID: r.acct.ID,
		Folder:    r.folder.Name,
		LastUID:   r.report.LastUID,
		Err:       err,
	}
	r.transition(StateFailed)
	r.log.WithError(err).WithField("last_uid", r.report.LastUID).Warn("sync_folder_failed")
	return r.report
}

func (e *Engine) syncFolder(ctx context.Context, sess Session, acct model.Account, folder model.Folder, opts Options) FolderReport {
	r := &folderRun{
		e:      e,
		sess:   sess,
		acct:   acct,
		folder: folder,
		opts:   opts,
		log:    e.log.WithFields(log.Fields{"account": acct.ID, "folder": folder.Name}),
		report: FolderReport{Folder: folder.Name, State: StateIdle},
	}

	unlock := e.store.LockFolder(acct.ID, folder.Name)
	defer unlock()

	if err := r.validateEpoch(ctx); err != nil {
		return r.fail(err)
	}
	if err := r.fetch(ctx); err != nil {
		return r.fail(err)
	}
	if opts.CheckStatus && r.cursor.LastUID > 0 {
		r.transition(StateReconcilingFlags)
		if err := r.reconcile(ctx); err != nil {
			return r.fail(err)
		}
	}

	r.transition(StateCommitted)
	r.log.WithFields(log.Fields{
		"fetched":  r.report.Fetched,
		"skipped":  r.report.Skipped,
		"last_uid": r.report.LastUID,
		"updated":  r.report.Updated,
		"deleted":  r.report.Deleted,
		"moved":    r.report.Moved,
	}).Info("sync_folder_committed")
	return r.report
}

// validateEpoch selects the folder and derives the working cursor from the
// stored one and the remote epoch.
func (r *folderRun) validateEpoch(ctx context.Context) error {
	r.transition(StateValidatingEpoch)

	meta, err := r.sess.SelectFolder(ctx, r.folder.Name)
	if err != nil {
		return err
	}

	stored, err := r.e.store.GetCursor(ctx, r.acct.ID, r.folder.Name)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	r.report.LastUID = stored.LastUID

	f := r.folder
	f.ValidityEpoch = meta.ValidityEpoch
	f.MessageCount = meta.MessageCount
	if err := r.e.store.UpsertFolder(ctx, f); err != nil {
		return err
	}

	cur, reset := stored.Under(meta.ValidityEpoch)
	r.cursor = cur
	r.report.ValidityEpoch = meta.ValidityEpoch
	r.report.Reset = reset
	if reset {
		r.log.WithFields(log.Fields{
			"old_epoch": stored.ValidityEpoch,
			"new_epoch": meta.ValidityEpoch,
			"old_uid":   stored.LastUID,
		}).Info("sync_epoch_reset")
		r.transition(StateFullReset)
	} else {
		r.transition(StateContinuing)
	}
	return nil
}

// fetch pulls new messages batch by batch, persisting the cursor after each
// stored batch.
func (r *folderRun) fetch(ctx context.Context) error {
	r.transition(StateFetching)

	pending, err := r.sess.SearchUIDs(ctx, r.folder.Name, r.cursor.LastUID)
	if err != nil {
		return err
	}
	total := len(pending)
	if r.opts.MaxEmails > 0 && total > r.opts.MaxEmails {
		total = r.opts.MaxEmails
	}
	r.report.Total = total

	observer := r.opts.observer()
	if total == 0 {
		if err := r.saveCursor(ctx); err != nil {
			return err
		}
		r.report.LastUID = r.cursor.LastUID
		observer.Progress(Progress{AccountID: r.acct.ID, Folder: r.folder.Name})
		return nil
	}

	// Batches are slices of the searched window.
	pending = pending[:total]
	batchSize := r.opts.batchSize()
	processed := 0
	for processed < total {
		batch := pending[processed:min(processed+batchSize, total)]
		raws, err := r.sess.FetchUIDs(ctx, r.folder.Name, batch)
		if err != nil {
			return err
		}

		highest, err := r.storeBatch(ctx, raws)
		if err != nil {
			return err
		}
		// UIDs expunged since the search are gone for good.
		highest = max(highest, batch[len(batch)-1])

		r.cursor.LastUID = highest
		if err := r.saveCursor(ctx); err != nil {
			return err
		}
		r.report.LastUID = highest

		processed += len(batch)
		observer.Progress(Progress{
			AccountID: r.acct.ID,
			Folder:    r.folder.Name,
			Current:   processed,
			Total:     total,
		})
		r.log.WithFields(log.Fields{
			"batch":    len(raws),
			"current":  processed,
			"total":    total,
			"last_uid": highest,
		}).Debug("sync_batch_committed")
	}
	return nil
}

// storeBatch parses and stores raws, returning the highest UID in the
// batch. Messages that fail to parse are skipped; they still count toward
// the high-water mark so they are not fetched again.
func (r *folderRun) storeBatch(ctx context.Context, raws []model.RawMessage) (uint32, error) {
	var highest uint32
	for _, raw := range raws {
		highest = max(highest, raw.UID)

		msg, atts, err := parser.Parse(raw)
		if err != nil {
			r.report.Skipped++
			r.log.WithError(err).WithField("uid", raw.UID).Warn("sync_message_skipped")
			continue
		}

		msg.AccountID = r.acct.ID
		msg.Folder = r.folder.Name
		msg.ValidityEpoch = r.cursor.ValidityEpoch
		if !r.opts.Attachments {
			for i := range atts {
				atts[i].Content = nil
			}
		}

		if err := r.e.store.UpsertMessage(ctx, msg, atts); err != nil {
			return 0, err
		}
		r.report.Fetched++
	}
	return highest, nil
}

func (r *folderRun) saveCursor(ctx context.Context) error {
	r.cursor.LastSync = r.e.now()
	if err := r.e.store.SaveCursor(ctx, r.cursor); err != nil {
		return fmt.Errorf("saving cursor at uid %d: %w", r.cursor.LastUID, err)
	}
	return nil
}

// RunAll syncs several accounts, at most concurrency at a time, and returns
// their reports in the order of accts. Each account gets its own session.
func (e *Engine) RunAll(ctx context.Context, accts []model.Account, opts Options, concurrency int) []*Report {
	if concurrency <= 0 {
		concurrency = 1
	}

	reports := make([]*Report, len(accts))
	sem := make(chan struct{}, concurrency)
	var wg gosync.WaitGroup
	for i, acct := range accts {
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			reports[i], _ = e.Run(ctx, acct, opts)
		}()
	}
	wg.Wait()
	return reports
}
