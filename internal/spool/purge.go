package spool

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"errand/internal/domain"
)

// Purge removes transactions whose action reached a terminal status and
// whose start timestamp is older than olderThan. Transactions that are still
// running, have undecodable metadata, or carry an unparseable start
// timestamp are left in place and logged; purging must never destroy state
// someone might still need to diagnose.
func (s *Store) Purge(olderThan time.Duration) (int, error) {
	entries, err := os.ReadDir(s.dir.Root())
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, newError(KindStorage, "spool.purge", "read spool root", err)
	}

	cutoff := time.Now().Add(-olderThan)
	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		id := entry.Name()
		md, err := s.ActionMetadata(id)
		if err != nil {
			s.logger.Warn("purge: skipping unreadable transaction",
				"transaction_id", id, "error", err)
			continue
		}
		if md.Status() == domain.ActionStatusRunning {
			continue
		}
		started, err := md.StartTime()
		if err != nil {
			s.logger.Warn("purge: skipping transaction with bad start timestamp",
				"transaction_id", id, "error", err)
			continue
		}
		if started.After(cutoff) {
			continue
		}
		p, err := s.dir.Path(id)
		if err != nil {
			continue
		}
		if err := os.RemoveAll(p); err != nil {
			return removed, newError(KindStorage, "spool.purge",
				fmt.Sprintf("remove transaction %q", id), err)
		}
		removed++
		s.logger.Info("purged spooled transaction",
			"transaction_id", id, "status", md.Status())
	}
	return removed, nil
}
