package model

import "time"

// SyncCursor is the resume point of incremental sync for one folder.
// LastUID is only meaningful under ValidityEpoch.
type SyncCursor struct {
	AccountID     string    `json:"account_id" db:"account_id"`
	Folder        string    `json:"folder" db:"folder"`
	LastUID       uint32    `json:"last_uid" db:"last_uid"`
	ValidityEpoch uint32    `json:"validity_epoch" db:"validity_epoch"`
	LastSync      time.Time `json:"last_sync" db:"last_sync"`
}

// Under returns the cursor to resume from when the folder currently
// reports epoch. If the stored epoch differs the result starts over at
// UID 0 under the new epoch and reset is true. A cursor that has never
// been persisted (zero epoch) is not considered a reset.
func (c SyncCursor) Under(epoch uint32) (cur SyncCursor, reset bool) {
	cur = c
	if c.ValidityEpoch == epoch {
		return cur, false
	}
	reset = c.ValidityEpoch != 0 || c.LastUID != 0
	cur.LastUID = 0
	cur.ValidityEpoch = epoch
	return cur, reset
}
