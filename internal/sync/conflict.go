package sync

import (
	"errors"
	"fmt"
	"strings"
)

// ErrSyncInProgress is returned when a second sync is attempted on a
// collection that already has one in flight. Racing a push against a pull
// on one collection is the one condition drift detection cannot resolve, so
// it is prevented here.
var ErrSyncInProgress = errors.New("a sync is already in progress for this collection")

// ConflictError reports that the remote state drifted from the engine's
// last-known fingerprints. It names every drifted path; the caller resolves
// it explicitly with ForceKeepLocal or ForceKeepRemote, never by auto-merge.
type ConflictError struct {
	CollectionID string
	Paths        []string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("remote changes conflict with local state of collection %s: %s",
		e.CollectionID, strings.Join(e.Paths, ", "))
}

// IsConflict reports whether err is (or wraps) a sync conflict.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}
