package sync

import (
	"context"
	"errors"

	log "github.com/sirupsen/logrus"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/store"
)

// reconcile brings the read, flagged and deleted state of already-synced
// messages in line with the server, without fetching bodies. A message
// missing from the folder is marked moved when a live copy with the same
// Message-Id is stored under another folder of the account, and deleted
// otherwise. Rows are never removed.
func (r *folderRun) reconcile(ctx context.Context) error {
	batchSize := r.opts.batchSize()
	var after uint32
	for {
		states, err := r.e.store.ListMessageStates(ctx, store.StateQuery{
			AccountID:     r.acct.ID,
			Folder:        r.folder.Name,
			ValidityEpoch: r.cursor.ValidityEpoch,
			AfterUID:      after,
			MaxUID:        r.cursor.LastUID,
			Limit:         batchSize,
		})
		if err != nil {
			return err
		}
		if len(states) == 0 {
			return nil
		}

		uids := make([]uint32, len(states))
		for i, st := range states {
			uids[i] = st.UID
		}
		remote, err := r.sess.FetchFlags(ctx, r.folder.Name, uids)
		if err != nil {
			return err
		}

		var updates []model.StatusUpdate
		for _, st := range states {
			u, changed, err := r.statusUpdate(ctx, st, remote)
			if err != nil {
				return err
			}
			if changed {
				updates = append(updates, u)
			}
		}
		if err := r.e.store.UpdateMessageStatus(ctx, updates); err != nil {
			return err
		}
		r.log.WithFields(log.Fields{
			"checked": len(states),
			"updated": len(updates),
		}).Trace("sync_status_batch_reconciled")

		after = states[len(states)-1].UID
		if len(states) < batchSize {
			return nil
		}
	}
}

func (r *folderRun) statusUpdate(ctx context.Context, st model.MessageState, remote map[uint32]model.MessageFlags) (model.StatusUpdate, bool, error) {
	u := model.StatusUpdate{
		ID:        st.ID,
		IsRead:    st.IsRead,
		IsFlagged: st.IsFlagged,
		IsDeleted: st.IsDeleted,
	}

	flags, ok := remote[st.UID]
	if ok {
		u.IsRead = flags.Seen
		u.IsFlagged = flags.Flagged
		u.IsDeleted = flags.Deleted
		changed := u.IsRead != st.IsRead || u.IsFlagged != st.IsFlagged || u.IsDeleted != st.IsDeleted
		if changed {
			r.report.Updated++
			if u.IsDeleted && !st.IsDeleted {
				r.report.Deleted++
			}
		}
		return u, changed, nil
	}

	if st.MessageID != "" {
		dest, err := r.e.store.FindMessageFolder(ctx, r.acct.ID, st.MessageID, r.folder.Name)
		switch {
		case err == nil:
			u.MovedTo = dest
			u.IsDeleted = false
			r.report.Moved++
			r.log.WithFields(log.Fields{"uid": st.UID, "moved_to": dest}).Debug("sync_message_moved")
			return u, true, nil
		case !errors.Is(err, store.ErrNotFound):
			return u, false, err
		}
	}

	if st.IsDeleted {
		return u, false, nil
	}
	u.IsDeleted = true
	r.report.Deleted++
	r.log.WithField("uid", st.UID).Debug("sync_message_vanished")
	return u, true, nil
}
