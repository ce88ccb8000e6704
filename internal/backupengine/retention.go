package backupengine

import "github.com/nerdalize/snapvault/internal/indexdb"

// applyRetention deletes every snapshot for sourcePath beyond the most
// recent keepLast, oldest first. Deletion is local-index only: remote
// objects referenced only by a retired snapshot are not reclaimed here
// (orphan cleanup is a separate, out-of-scope pass).
func applyRetention(db *indexdb.DB, sourcePath string, keepLast int) error {
	snaps, err := db.ListSnapshotsForSource(sourcePath)
	if err != nil {
		return err
	}
	if len(snaps) <= keepLast {
		return nil
	}

	toDelete := snaps[:len(snaps)-keepLast]
	for _, s := range toDelete {
		if err := db.DeleteSnapshot(s.SnapshotID); err != nil {
			return err
		}
	}
	return nil
}
