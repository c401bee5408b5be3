package sync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailsync/internal/mailbox"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/store"
	"github.com/nhle/mailsync/internal/testutil"
	"github.com/nhle/mailsync/internal/vault"
)

var testAccount = model.Account{
	ID:   "acct",
	IMAP: model.IMAPConfig{Host: "imap.example.com", Port: 993, Username: "me@example.com"},
}

func newTestEngine(t *testing.T, s store.Store, sess *fakeSession) *Engine {
	t.Helper()
	return New(s, staticCreds{}, sess.connector(), WithLogger(testutil.NewLogger()))
}

func cursorOf(t *testing.T, s store.Store, folder string) model.SyncCursor {
	t.Helper()
	c, err := s.GetCursor(context.Background(), testAccount.ID, folder)
	require.NoError(t, err)
	return c
}

func statsOf(t *testing.T, s store.Store) store.Stats {
	t.Helper()
	st, err := s.Stats(context.Background())
	require.NoError(t, err)
	return st
}

func TestRunFetchesInBatches(t *testing.T) {
	s := testutil.NewTestStore(t)
	sess := newFakeSession()
	sess.seed("INBOX", "m", 1, 250)
	progress := &progressLog{}

	report, err := newTestEngine(t, s, sess).Run(context.Background(), testAccount, Options{
		BatchSize: 100,
		Observer:  progress,
	})
	require.NoError(t, err)

	assert.Equal(t, []int{100, 200, 250}, progress.currents("INBOX"))
	for _, p := range progress.updates {
		assert.Equal(t, 250, p.Total)
		assert.Equal(t, testAccount.ID, p.AccountID)
	}

	require.Len(t, report.Folders, 1)
	fr := report.Folders[0]
	assert.Equal(t, StateCommitted, fr.State)
	assert.Equal(t, 250, fr.Fetched)
	assert.Equal(t, 250, fr.Total)
	assert.Equal(t, uint32(250), fr.LastUID)
	assert.False(t, fr.Reset)
	assert.NoError(t, report.AllErrors())
	assert.Equal(t, 250, report.Fetched())

	c := cursorOf(t, s, "INBOX")
	assert.Equal(t, uint32(250), c.LastUID)
	assert.Equal(t, uint32(1), c.ValidityEpoch)
	assert.False(t, c.LastSync.IsZero())
	assert.Equal(t, 250, statsOf(t, s).Messages)

	assert.Equal(t, 1, sess.connects)
	assert.Equal(t, 1, sess.closes)
}

func TestRunIsIdempotent(t *testing.T) {
	s := testutil.NewTestStore(t)
	sess := newFakeSession()
	sess.seed("INBOX", "m", 1, 12)
	engine := newTestEngine(t, s, sess)

	_, err := engine.Run(context.Background(), testAccount, Options{BatchSize: 5})
	require.NoError(t, err)
	before := statsOf(t, s)
	cursorBefore := cursorOf(t, s, "INBOX")

	progress := &progressLog{}
	report, err := engine.Run(context.Background(), testAccount, Options{BatchSize: 5, Observer: progress})
	require.NoError(t, err)

	assert.Equal(t, 0, report.Fetched())
	assert.Equal(t, []Progress{{AccountID: testAccount.ID, Folder: "INBOX"}}, progress.updates)
	assert.Equal(t, before, statsOf(t, s))
	after := cursorOf(t, s, "INBOX")
	assert.Equal(t, cursorBefore.LastUID, after.LastUID)
	assert.Equal(t, cursorBefore.ValidityEpoch, after.ValidityEpoch)
}

func TestRunEmptyFolderReportsZeroOfZero(t *testing.T) {
	s := testutil.NewTestStore(t)
	sess := newFakeSession()
	sess.folder("INBOX")
	progress := &progressLog{}

	report, err := newTestEngine(t, s, sess).Run(context.Background(), testAccount, Options{Observer: progress})
	require.NoError(t, err)

	require.Len(t, progress.updates, 1)
	assert.Equal(t, 0, progress.updates[0].Current)
	assert.Equal(t, 0, progress.updates[0].Total)
	assert.Equal(t, float64(100), progress.updates[0].Percent())
	assert.Equal(t, StateCommitted, report.Folders[0].State)

	c := cursorOf(t, s, "INBOX")
	assert.Equal(t, uint32(0), c.LastUID)
	assert.Equal(t, uint32(1), c.ValidityEpoch)
}

func TestRunAdvancesLastSync(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()
	old := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.SaveCursor(ctx, model.SyncCursor{
		AccountID: testAccount.ID, Folder: "INBOX", LastUID: 1, ValidityEpoch: 1, LastSync: old,
	}))
	sess := newFakeSession()
	sess.seed("INBOX", "m", 1, 3)

	engine := newTestEngine(t, s, sess)
	synced := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	engine.now = func() time.Time { return synced }

	_, err := engine.Run(ctx, testAccount, Options{})
	require.NoError(t, err)
	c := cursorOf(t, s, "INBOX")
	assert.Equal(t, uint32(3), c.LastUID)
	assert.True(t, synced.Equal(c.LastSync), "last sync %v", c.LastSync)

	// A run with nothing new still records when it happened.
	later := synced.Add(time.Hour)
	engine.now = func() time.Time { return later }
	_, err = engine.Run(ctx, testAccount, Options{})
	require.NoError(t, err)
	assert.True(t, later.Equal(cursorOf(t, s, "INBOX").LastSync))
}

func TestRunSearchesOncePerFolder(t *testing.T) {
	s := testutil.NewTestStore(t)
	sess := newFakeSession()
	sess.seed("INBOX", "m", 1, 250)

	_, err := newTestEngine(t, s, sess).Run(context.Background(), testAccount, Options{BatchSize: 10})
	require.NoError(t, err)
	assert.Equal(t, 1, sess.searches)
	assert.Equal(t, 25, sess.fetchCalls)
	assert.Equal(t, uint32(250), cursorOf(t, s, "INBOX").LastUID)
}

func TestRunSkipsMessagesExpungedAfterSearch(t *testing.T) {
	s := testutil.NewTestStore(t)
	sess := newFakeSession()
	sess.seed("INBOX", "m", 1, 6)
	sess.expungeOnFetch = []uint32{2, 3}
	progress := &progressLog{}

	report, err := newTestEngine(t, s, sess).Run(context.Background(), testAccount, Options{
		BatchSize: 3,
		Observer:  progress,
	})
	require.NoError(t, err)

	assert.Equal(t, []int{3, 6}, progress.currents("INBOX"))
	assert.Equal(t, 4, report.Fetched())
	assert.Equal(t, uint32(6), cursorOf(t, s, "INBOX").LastUID)
	assert.Equal(t, 4, statsOf(t, s).Messages)
}

func TestRunHonorsMaxEmails(t *testing.T) {
	s := testutil.NewTestStore(t)
	sess := newFakeSession()
	sess.seed("INBOX", "m", 1, 50)
	engine := newTestEngine(t, s, sess)
	progress := &progressLog{}

	_, err := engine.Run(context.Background(), testAccount, Options{BatchSize: 20, MaxEmails: 30, Observer: progress})
	require.NoError(t, err)
	assert.Equal(t, []int{20, 30}, progress.currents("INBOX"))
	assert.Equal(t, uint32(30), cursorOf(t, s, "INBOX").LastUID)

	report, err := engine.Run(context.Background(), testAccount, Options{BatchSize: 20, MaxEmails: 30})
	require.NoError(t, err)
	assert.Equal(t, 20, report.Fetched())
	assert.Equal(t, uint32(50), cursorOf(t, s, "INBOX").LastUID)
}

func TestRunEpochChangeStartsOver(t *testing.T) {
	s := testutil.NewTestStore(t)
	sess := newFakeSession()
	sess.seed("INBOX", "m", 1, 5)
	engine := newTestEngine(t, s, sess)

	_, err := engine.Run(context.Background(), testAccount, Options{})
	require.NoError(t, err)

	// The server renumbers the folder: two known messages plus one new.
	inbox := sess.folders["INBOX"]
	inbox.epoch = 2
	inbox.msgs = nil
	inbox.add(1, "m-4@test")
	inbox.add(2, "m-5@test")
	inbox.add(3, "new-1@test")

	report, err := engine.Run(context.Background(), testAccount, Options{})
	require.NoError(t, err)

	fr := report.Folders[0]
	assert.True(t, fr.Reset)
	assert.Equal(t, StateCommitted, fr.State)
	assert.Equal(t, uint32(2), fr.ValidityEpoch)
	assert.Equal(t, 3, fr.Fetched)

	c := cursorOf(t, s, "INBOX")
	assert.Equal(t, uint32(3), c.LastUID)
	assert.Equal(t, uint32(2), c.ValidityEpoch)

	// m-4 and m-5 were re-keyed, m-1..m-3 stay under the old epoch.
	assert.Equal(t, 6, statsOf(t, s).Messages)

	folders, err := s.ListFolders(context.Background(), testAccount.ID)
	require.NoError(t, err)
	require.Len(t, folders, 1)
	assert.Equal(t, uint32(2), folders[0].ValidityEpoch)
	assert.Equal(t, model.SpecialUseInbox, folders[0].SpecialUse)
}

func TestRunResumesAfterFailure(t *testing.T) {
	s := testutil.NewTestStore(t)
	sess := newFakeSession()
	sess.seed("INBOX", "m", 1, 250)
	sess.failFetchAt = 3
	sess.fetchErr = &mailbox.ConnectionError{Addr: "imap.example.com:993", Op: "uid fetch", Err: errors.New("connection reset")}
	engine := newTestEngine(t, s, sess)

	report, err := engine.Run(context.Background(), testAccount, Options{BatchSize: 100})
	require.Error(t, err)
	assert.True(t, mailbox.IsConnectionError(err))

	var syncErr *SyncError
	require.ErrorAs(t, err, &syncErr)
	assert.Equal(t, testAccount.ID, syncErr.AccountID)
	assert.Equal(t, "INBOX", syncErr.Folder)
	assert.Equal(t, uint32(200), syncErr.LastUID)

	assert.Equal(t, 200, report.Fetched())
	assert.Equal(t, StateFailed, report.Folders[0].State)
	assert.Equal(t, uint32(200), cursorOf(t, s, "INBOX").LastUID)

	sess.failFetchAt = 0
	progress := &progressLog{}
	report, err = engine.Run(context.Background(), testAccount, Options{BatchSize: 100, Observer: progress})
	require.NoError(t, err)
	assert.Equal(t, 50, report.Fetched())
	assert.Equal(t, []int{50}, progress.currents("INBOX"))

	// Same end state as an uninterrupted run.
	clean := testutil.NewTestStore(t)
	_, err = newTestEngine(t, clean, sess).Run(context.Background(), testAccount, Options{BatchSize: 100})
	require.NoError(t, err)
	assert.Equal(t, statsOf(t, clean), statsOf(t, s))
	assert.Equal(t, cursorOf(t, clean, "INBOX").LastUID, cursorOf(t, s, "INBOX").LastUID)
}

func TestRunSkipsUnparseableMessages(t *testing.T) {
	s := testutil.NewTestStore(t)
	sess := newFakeSession()
	inbox := sess.seed("INBOX", "m", 1, 3)
	inbox.msgs[1].Body = nil

	report, err := newTestEngine(t, s, sess).Run(context.Background(), testAccount, Options{})
	require.NoError(t, err)

	fr := report.Folders[0]
	assert.Equal(t, 2, fr.Fetched)
	assert.Equal(t, 1, fr.Skipped)
	assert.Equal(t, StateCommitted, fr.State)
	assert.Equal(t, uint32(3), cursorOf(t, s, "INBOX").LastUID)
	assert.Equal(t, 2, statsOf(t, s).Messages)
}

func TestRunProtocolErrorAbortsFolderOnly(t *testing.T) {
	s := testutil.NewTestStore(t)
	sess := newFakeSession()
	sess.seed("INBOX", "m", 1, 3)
	sess.seed("Broken", "b", 1, 3).selectErr = &mailbox.ProtocolError{Folder: "Broken", Op: "select", Err: errors.New("NO access denied")}
	sess.seed("Work", "w", 1, 2)

	report, err := newTestEngine(t, s, sess).Run(context.Background(), testAccount, Options{})
	require.NoError(t, err)

	require.Len(t, report.Folders, 3)
	failed := report.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, "Broken", failed[0].Folder)
	assert.True(t, mailbox.IsProtocolError(failed[0].Err))
	assert.True(t, IsSyncError(report.AllErrors()))

	assert.Equal(t, 5, report.Fetched())
	_, err = s.GetCursor(context.Background(), testAccount.ID, "Broken")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRunMissingFolder(t *testing.T) {
	s := testutil.NewTestStore(t)
	sess := newFakeSession()
	sess.seed("INBOX", "m", 1, 1)

	report, err := newTestEngine(t, s, sess).Run(context.Background(), testAccount, Options{Folder: "Nope"})
	require.NoError(t, err)
	require.Len(t, report.Folders, 1)
	assert.Equal(t, StateFailed, report.Folders[0].State)
	assert.True(t, mailbox.IsProtocolError(report.Folders[0].Err))
}

func TestRunSelectsFolders(t *testing.T) {
	sess := newFakeSession()
	sess.seed("INBOX", "m", 1, 2)
	sess.seed("Work", "w", 1, 2)
	sess.seed("Spam", "s", 1, 2)

	t.Run("single folder option", func(t *testing.T) {
		s := testutil.NewTestStore(t)
		report, err := newTestEngine(t, s, sess).Run(context.Background(), testAccount, Options{Folder: "Work"})
		require.NoError(t, err)
		require.Len(t, report.Folders, 1)
		assert.Equal(t, "Work", report.Folders[0].Folder)
	})

	t.Run("configured folders", func(t *testing.T) {
		s := testutil.NewTestStore(t)
		acct := testAccount
		acct.Folders = []string{"INBOX", "Spam"}
		report, err := newTestEngine(t, s, sess).Run(context.Background(), acct, Options{})
		require.NoError(t, err)
		require.Len(t, report.Folders, 2)
		assert.Equal(t, "INBOX", report.Folders[0].Folder)
		assert.Equal(t, "Spam", report.Folders[1].Folder)

		// Every listed folder is recorded, synced or not.
		folders, err := s.ListFolders(context.Background(), acct.ID)
		require.NoError(t, err)
		assert.Len(t, folders, 3)
	})
}

func TestRunAuthErrorAbortsAccount(t *testing.T) {
	s := testutil.NewTestStore(t)
	authErr := &mailbox.AuthError{Username: "me@example.com", Method: "password", Err: errors.New("NO invalid credentials")}
	connector := ConnectorFunc(func(context.Context, model.Account, vault.Credentials) (Session, error) {
		return nil, authErr
	})
	engine := New(s, staticCreds{}, connector, WithLogger(testutil.NewLogger()))

	report, err := engine.Run(context.Background(), testAccount, Options{})
	require.Error(t, err)
	assert.True(t, mailbox.IsAuthError(err))
	assert.True(t, IsSyncError(err))
	assert.Empty(t, report.Folders)
	assert.Equal(t, err, report.Err)
	assert.False(t, report.FinishedAt.IsZero())
}

func TestRunCredentialFailureAbortsAccount(t *testing.T) {
	s := testutil.NewTestStore(t)
	sess := newFakeSession()
	engine := New(s, staticCreds{err: errors.New("tampered token")}, sess.connector(), WithLogger(testutil.NewLogger()))

	_, err := engine.Run(context.Background(), testAccount, Options{})
	require.Error(t, err)
	assert.Equal(t, 0, sess.connects)
}

func TestRunStorageFailureKeepsCommittedCursor(t *testing.T) {
	s := &failingStore{Store: testutil.NewTestStore(t), folder: "INBOX", failAfter: 150}
	sess := newFakeSession()
	sess.seed("INBOX", "m", 1, 250)
	sess.seed("Work", "w", 1, 2)

	report, err := newTestEngine(t, s, sess).Run(context.Background(), testAccount, Options{BatchSize: 100})
	require.NoError(t, err)

	failed := report.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, "INBOX", failed[0].Folder)
	assert.True(t, store.IsStorageError(failed[0].Err))
	assert.Equal(t, uint32(100), failed[0].LastUID)
	assert.Equal(t, uint32(100), cursorOf(t, s, "INBOX").LastUID)

	// Work comes after INBOX and is unaffected.
	require.Len(t, report.Folders, 2)
	assert.Equal(t, StateCommitted, report.Folders[1].State)
	assert.Equal(t, uint32(2), cursorOf(t, s, "Work").LastUID)
}

func TestRunReconcilesStatus(t *testing.T) {
	s := testutil.NewTestStore(t)
	sess := newFakeSession()
	sess.seed("INBOX", "m", 1, 4)
	sess.folder("Archive")
	engine := newTestEngine(t, s, sess)
	ctx := context.Background()

	_, err := engine.Run(ctx, testAccount, Options{CheckStatus: true})
	require.NoError(t, err)

	inbox := sess.folders["INBOX"]
	inbox.setFlags(1, model.MessageFlags{Seen: true, Flagged: true})
	inbox.remove(2)
	inbox.remove(3)
	sess.folders["Archive"].add(1, "m-3@test")

	report, err := engine.Run(ctx, testAccount, Options{CheckStatus: true})
	require.NoError(t, err)

	var inboxReport FolderReport
	for _, fr := range report.Folders {
		if fr.Folder == "INBOX" {
			inboxReport = fr
		}
	}
	assert.Equal(t, StateCommitted, inboxReport.State)
	assert.Equal(t, 1, inboxReport.Updated)
	assert.Equal(t, 1, inboxReport.Deleted)
	assert.Equal(t, 1, inboxReport.Moved)

	msgs, err := s.Search(ctx, store.MessageFilter{AccountID: testAccount.ID, Folder: "INBOX", IncludeDeleted: true})
	require.NoError(t, err)
	byUID := map[uint32]model.Message{}
	for _, m := range msgs {
		byUID[m.UID] = m
	}
	require.Len(t, byUID, 4)
	assert.True(t, byUID[1].IsRead)
	assert.True(t, byUID[1].IsFlagged)
	assert.True(t, byUID[2].IsDeleted)
	assert.Equal(t, "Archive", byUID[3].MovedTo)
	assert.False(t, byUID[3].IsDeleted)
	assert.False(t, byUID[4].IsRead)
	assert.Empty(t, byUID[4].MovedTo)

	// A second pass changes nothing.
	report, err = engine.Run(ctx, testAccount, Options{CheckStatus: true})
	require.NoError(t, err)
	for _, fr := range report.Folders {
		assert.Zero(t, fr.Updated+fr.Deleted+fr.Moved, fr.Folder)
	}
}

func TestRunWithoutStatusCheckLeavesFlags(t *testing.T) {
	s := testutil.NewTestStore(t)
	sess := newFakeSession()
	sess.seed("INBOX", "m", 1, 2)
	engine := newTestEngine(t, s, sess)
	ctx := context.Background()

	_, err := engine.Run(ctx, testAccount, Options{})
	require.NoError(t, err)
	sess.folders["INBOX"].setFlags(1, model.MessageFlags{Seen: true})

	_, err = engine.Run(ctx, testAccount, Options{})
	require.NoError(t, err)

	msgs, err := s.Search(ctx, store.MessageFilter{AccountID: testAccount.ID, Folder: "INBOX"})
	require.NoError(t, err)
	for _, m := range msgs {
		assert.False(t, m.IsRead)
	}
}

func TestRunAttachmentsOptIn(t *testing.T) {
	raw := []byte("Message-Id: <att@test>\r\n" +
		"From: a@example.com\r\n" +
		"Subject: with file\r\n" +
		"Content-Type: multipart/mixed; boundary=b\r\n" +
		"\r\n" +
		"--b\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"see attached\r\n" +
		"--b\r\n" +
		"Content-Type: text/plain\r\n" +
		"Content-Disposition: attachment; filename=notes.txt\r\n" +
		"\r\n" +
		"file body\r\n" +
		"--b--\r\n")

	for _, download := range []bool{false, true} {
		s := testutil.NewTestStore(t)
		sess := newFakeSession()
		sess.folder("INBOX").msgs = []model.RawMessage{{UID: 1, Body: raw}}

		_, err := newTestEngine(t, s, sess).Run(context.Background(), testAccount, Options{Attachments: download})
		require.NoError(t, err)

		msgs, err := s.Search(context.Background(), store.MessageFilter{AccountID: testAccount.ID})
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		assert.True(t, msgs[0].HasAttachments)

		full, err := s.GetMessage(context.Background(), msgs[0].ID)
		require.NoError(t, err)
		require.Len(t, full.Attachments, 1)
		assert.Equal(t, "notes.txt", full.Attachments[0].Filename)

		content, err := s.AttachmentContent(context.Background(), full.Attachments[0].ID)
		if download {
			require.NoError(t, err)
			assert.Equal(t, "file body", string(content))
		} else {
			assert.ErrorIs(t, err, store.ErrNotFound)
		}
	}
}

func TestRunAll(t *testing.T) {
	s := testutil.NewTestStore(t)
	sess := newFakeSession()
	sess.seed("INBOX", "m", 1, 3)
	engine := newTestEngine(t, s, sess)

	other := testAccount
	other.ID = "other"
	reports := engine.RunAll(context.Background(), []model.Account{testAccount, other}, Options{}, 2)

	require.Len(t, reports, 2)
	assert.Equal(t, testAccount.ID, reports[0].AccountID)
	assert.Equal(t, "other", reports[1].AccountID)
	for _, r := range reports {
		assert.Equal(t, 3, r.Fetched())
	}
	assert.Equal(t, 6, statsOf(t, s).Messages)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "full_reset", StateFullReset.String())
	assert.Equal(t, "reconciling_flags", StateReconcilingFlags.String())
	assert.Equal(t, "unknown", State(42).String())
}
