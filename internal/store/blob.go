package store

import (
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/nhle/mailsync/internal/model"
)

// BlobStore keeps attachment content on a filesystem. Locators are
// slash-separated paths relative to the filesystem root.
type BlobStore struct {
	fs afero.Fs
}

// NewBlobStore wraps fsys.
func NewBlobStore(fsys afero.Fs) *BlobStore {
	return &BlobStore{fs: fsys}
}

// NewDirBlobStore stores blobs under dir on the OS filesystem.
func NewDirBlobStore(dir string) (*BlobStore, error) {
	osfs := afero.NewOsFs()
	if err := osfs.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating attachment dir %s: %w", dir, err)
	}
	return NewBlobStore(afero.NewBasePathFs(osfs, dir)), nil
}

// Put writes content at locator, replacing any previous content.
func (b *BlobStore) Put(locator string, content []byte) error {
	dir := path.Dir(locator)
	if err := b.fs.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}

	tmp := locator + ".tmp-" + uuid.NewString()
	if err := afero.WriteFile(b.fs, tmp, content, 0o600); err != nil {
		return fmt.Errorf("writing %s: %w", locator, err)
	}
	if err := b.fs.Rename(tmp, locator); err != nil {
		b.fs.Remove(tmp)
		return fmt.Errorf("renaming %s: %w", locator, err)
	}
	return nil
}

// Get reads the content at locator.
func (b *BlobStore) Get(locator string) ([]byte, error) {
	data, err := afero.ReadFile(b.fs, locator)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("blob %s: %w", locator, ErrNotFound)
	}
	return data, err
}

// Remove deletes the content at locator. A missing blob is not an error.
func (b *BlobStore) Remove(locator string) error {
	err := b.fs.Remove(locator)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing %s: %w", locator, err)
	}
	return nil
}

// attachmentLocator derives the storage path of an attachment from the
// message's natural key, so refetching the same message overwrites the
// same files.
func attachmentLocator(msg *model.Message, att model.Attachment) string {
	name := safeName(att.Filename)
	if name == "" {
		name = "part"
	}
	return path.Join(
		safeName(msg.AccountID),
		safeName(msg.Folder),
		fmt.Sprintf("%d", msg.ValidityEpoch),
		fmt.Sprintf("%d", msg.UID),
		fmt.Sprintf("%d-%s", att.PartIndex, name),
	)
}

// safeName maps s onto a single path element.
func safeName(s string) string {
	s = strings.Map(func(r rune) rune {
		switch {
		case r == '/', r == '\\', r == ':', r < 0x20:
			return '_'
		}
		return r
	}, s)
	s = strings.ReplaceAll(s, "..", "_")
	s = strings.Trim(s, ". ")
	if len(s) > 120 {
		s = s[:120]
	}
	return s
}
