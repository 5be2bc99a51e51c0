package ledger

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"

	cherrors "github.com/chronicleworks/chronicle/internal/errors"
	"github.com/chronicleworks/chronicle/pkg/types"
)

// legacyRecord is one line of the legacy newline-delimited ledger format.
// Sequence numbers are reassigned during migration; every other field is
// preserved when present.
type legacyRecord struct {
	ID        string                 `json:"id"`
	SessionID string                 `json:"session_id"`
	Type      string                 `json:"type"`
	Timestamp int64                  `json:"timestamp"`
	Payload   map[string]interface{} `json:"payload"`
}

// maybeMigrateLegacy migrates a legacy line-oriented ledger into the
// structured store. Migration runs only when the structured store is empty
// and the legacy file exists. A line that fails to parse is skipped with a
// logged warning; it never aborts the remainder of the migration.
func (l *Ledger) maybeMigrateLegacy(ctx context.Context, legacyPath string) error {
	count, err := l.Count(ctx)
	if err != nil {
		return err
	}
	if count > 0 || !fileExists(legacyPath) {
		return nil
	}

	file, err := os.Open(legacyPath)
	if err != nil {
		return cherrors.NewLedgerError(cherrors.CodeMigrationFailed,
			"failed to open legacy ledger", err)
	}
	defer file.Close()

	l.mu.Lock()
	defer l.mu.Unlock()

	var migrated, skipped int
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for lineNo := 1; scanner.Scan(); lineNo++ {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var rec legacyRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			warnMalformed("legacy", lineNo, err)
			skipped++
			continue
		}
		if rec.Type == "" {
			warnMalformed("legacy", lineNo, fmt.Errorf("missing event type"))
			skipped++
			continue
		}

		if rec.ID == "" {
			rec.ID = uuid.New().String()
		}
		if rec.Timestamp == 0 {
			rec.Timestamp = time.Now().UnixNano()
		}

		draft := types.Draft{
			ID:        rec.ID,
			SessionID: rec.SessionID,
			Type:      rec.Type,
			Payload:   rec.Payload,
		}
		if _, err := l.appendLocked(ctx, draft, rec.Timestamp); err != nil {
			return cherrors.NewLedgerError(cherrors.CodeMigrationFailed,
				fmt.Sprintf("failed to write migrated event from line %d", lineNo), err)
		}
		migrated++
	}
	if err := scanner.Err(); err != nil {
		return cherrors.NewLedgerError(cherrors.CodeMigrationFailed,
			"failed to read legacy ledger", err)
	}

	// The legacy file is consumed exactly once; keep it out of the next
	// startup's path but never destroy the operator's original data.
	if err := os.Rename(legacyPath, legacyPath+".migrated"); err != nil {
		log.Printf("ledger: failed to rename migrated legacy file: %v", err)
	}

	log.Printf("ledger: migrated %d legacy events (%d malformed lines skipped)", migrated, skipped)
	return nil
}
