package sync

import (
	"context"
	"errors"
	"fmt"
	"slices"
	gosync "sync"

	"github.com/nhle/mailsync/internal/mailbox"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/store"
	"github.com/nhle/mailsync/internal/testutil"
	"github.com/nhle/mailsync/internal/vault"
)

// fakeFolder is one scripted remote folder. msgs is kept in ascending UID
// order.
type fakeFolder struct {
	epoch     uint32
	msgs      []model.RawMessage
	selectErr error
}

func (f *fakeFolder) add(uid uint32, messageID string) {
	f.msgs = append(f.msgs, model.RawMessage{
		UID:  uid,
		Body: testutil.Message(messageID, "subject "+messageID),
	})
}

func (f *fakeFolder) remove(uid uint32) {
	f.msgs = slices.DeleteFunc(f.msgs, func(m model.RawMessage) bool { return m.UID == uid })
}

func (f *fakeFolder) setFlags(uid uint32, flags model.MessageFlags) {
	for i := range f.msgs {
		if f.msgs[i].UID == uid {
			f.msgs[i].Flags = flags
		}
	}
}

// fakeSession is a scripted Session shared across runs, so remote state
// survives reconnects.
type fakeSession struct {
	mu      gosync.Mutex
	folders map[string]*fakeFolder

	fetchCalls  int
	failFetchAt int // 1-based FetchUIDs call that fails; 0 never
	fetchErr    error
	searches    int

	// expungeOnFetch is removed right before the next FetchUIDs call.
	expungeOnFetch []uint32

	connects int
	closes   int
}

func newFakeSession() *fakeSession {
	return &fakeSession{folders: map[string]*fakeFolder{}}
}

// folder returns the named folder, creating it with epoch 1 if needed.
func (s *fakeSession) folder(name string) *fakeFolder {
	f, ok := s.folders[name]
	if !ok {
		f = &fakeFolder{epoch: 1}
		s.folders[name] = f
	}
	return f
}

// seed adds n messages with UIDs first.. and Message-Ids prefix-<uid>.
func (s *fakeSession) seed(name, prefix string, first, n int) *fakeFolder {
	f := s.folder(name)
	for uid := first; uid < first+n; uid++ {
		f.add(uint32(uid), fmt.Sprintf("%s-%d@test", prefix, uid))
	}
	return f
}

func (s *fakeSession) connector() Connector {
	return ConnectorFunc(func(context.Context, model.Account, vault.Credentials) (Session, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.connects++
		return s, nil
	})
}

func (s *fakeSession) ListFolders(context.Context) ([]model.Folder, error) {
	var folders []model.Folder
	for name := range s.folders {
		folders = append(folders, model.Folder{
			Name:       name,
			Delimiter:  "/",
			Selectable: true,
			SpecialUse: model.GuessSpecialUse(name),
		})
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

func (s *fakeSession) SelectFolder(_ context.Context, name string) (model.FolderMeta, error) {
	f, ok := s.folders[name]
	if !ok {
		return model.FolderMeta{}, &mailbox.ProtocolError{Folder: name, Op: "select", Err: errors.New("no such mailbox")}
	}
	if f.selectErr != nil {
		return model.FolderMeta{}, f.selectErr
	}
	return model.FolderMeta{ValidityEpoch: f.epoch, MessageCount: uint32(len(f.msgs))}, nil
}

func (s *fakeSession) SearchUIDs(_ context.Context, name string, minExclusive uint32) ([]uint32, error) {
	s.mu.Lock()
	s.searches++
	s.mu.Unlock()
	var uids []uint32
	for _, m := range s.folders[name].msgs {
		if m.UID > minExclusive {
			uids = append(uids, m.UID)
		}
	}
	slices.Sort(uids)
	return uids, nil
}

func (s *fakeSession) FetchUIDs(_ context.Context, name string, uids []uint32) ([]model.RawMessage, error) {
	s.mu.Lock()
	s.fetchCalls++
	fail := s.failFetchAt > 0 && s.fetchCalls == s.failFetchAt
	expunge := s.expungeOnFetch
	s.expungeOnFetch = nil
	s.mu.Unlock()
	if fail {
		return nil, s.fetchErr
	}
	for _, uid := range expunge {
		s.folders[name].remove(uid)
	}
	var msgs []model.RawMessage
	for _, m := range s.folders[name].msgs {
		if slices.Contains(uids, m.UID) {
			msgs = append(msgs, m)
		}
	}
	slices.SortFunc(msgs, func(a, b model.RawMessage) int { return int(a.UID) - int(b.UID) })
	return msgs, nil
}

func (s *fakeSession) FetchFlags(_ context.Context, name string, uids []uint32) (map[uint32]model.MessageFlags, error) {
	flags := map[uint32]model.MessageFlags{}
	for _, m := range s.folders[name].msgs {
		if slices.Contains(uids, m.UID) {
			flags[m.UID] = m.Flags
		}
	}
	return flags, nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return nil
}

// staticCreds hands out fixed credentials.
type staticCreds struct{ err error }

func (c staticCreds) Credentials(acct model.Account) (vault.Credentials, error) {
	if c.err != nil {
		return vault.Credentials{}, c.err
	}
	return vault.Credentials{Username: acct.IMAP.Username, Password: "pw"}, nil
}

// failingStore fails UpsertMessage for folder once failAfter of its
// messages were stored.
type failingStore struct {
	store.Store
	folder    string
	failAfter int
	upserts   int
}

func (s *failingStore) UpsertMessage(ctx context.Context, msg *model.Message, atts []model.Attachment) error {
	if msg.Folder != s.folder {
		return s.Store.UpsertMessage(ctx, msg, atts)
	}
	if s.upserts >= s.failAfter {
		return &store.StorageError{Op: "upsert message", Err: errors.New("disk full")}
	}
	s.upserts++
	return s.Store.UpsertMessage(ctx, msg, atts)
}

// progressLog records progress updates.
type progressLog struct {
	mu      gosync.Mutex
	updates []Progress
}

func (l *progressLog) Progress(p Progress) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.updates = append(l.updates, p)
}

func (l *progressLog) currents(folder string) []int {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []int
	for _, p := range l.updates {
		if p.Folder == folder {
			out = append(out, p.Current)
		}
	}
	return out
}
