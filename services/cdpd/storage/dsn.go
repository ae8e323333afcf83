package storage

import (
	"fmt"
	"path/filepath"
	"strings"
)

// The daemon is the only writer, so WAL with a generous busy timeout keeps
// readers (queries, metrics scrapes) from tripping over position updates.
const fileDSNOptions = "mode=rwc&_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on"

// FileDSN turns the configured database path into a DSN that opens the
// position and token ledgers read-write, creating the file on first start.
func FileDSN(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", ErrPathRequired
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return "", fmt.Errorf("resolve ledger database path: %w", err)
	}
	return fmt.Sprintf("file:%s?%s", abs, fileDSNOptions), nil
}
