package tablestore

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/carevault/record-access-backend/interfaces"
)

// Journal entry kinds distinguish which service wrote the entry, so the
// reconciliation pass can heal the right table.
const (
	JournalKindRecord     = "record"
	JournalKindSharedFile = "shared"
)

// JournalEntry is one degraded write awaiting re-upload: the metadata row was
// persisted but the content bytes never reached the blob store.
type JournalEntry struct {
	Kind      string               `json:"kind"`
	EntityID  uuid.UUID            `json:"entity_id"`
	ContentID interfaces.ContentID `json:"content_id"`
	Namespace int                  `json:"namespace"`
	MimeType  string               `json:"mime_type"`
	Content   []byte               `json:"content"`
	LoggedAt  time.Time            `json:"logged_at"`
}

// DegradedJournal is an embedded LevelDB log of degraded writes. It holds the
// raw content bytes locally until the blob store is reachable again, at which
// point the reconciliation pass re-uploads them and drops the entries.
type DegradedJournal struct {
	db  *leveldb.DB
	log *slog.Logger
}

// OpenDegradedJournal opens (or creates) the journal database at path.
func OpenDegradedJournal(path string, log *slog.Logger) (*DegradedJournal, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open degraded journal: %w", err)
	}
	return &DegradedJournal{db: db, log: log}, nil
}

// Append records a degraded write.
func (j *DegradedJournal) Append(entry *JournalEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode journal entry: %w", err)
	}

	if err := j.db.Put(j.key(entry.Kind, entry.EntityID), data, nil); err != nil {
		return fmt.Errorf("failed to append journal entry: %w", err)
	}

	j.log.Info("Journaled degraded write",
		slog.String("kind", entry.Kind),
		slog.String("entity_id", entry.EntityID.String()),
		slog.String("content_id", entry.ContentID.String()))
	return nil
}

// Entries returns all pending journal entries.
func (j *DegradedJournal) Entries() ([]*JournalEntry, error) {
	var out []*JournalEntry

	iter := j.db.NewIterator(util.BytesPrefix([]byte("degraded:")), nil)
	defer iter.Release()

	for iter.Next() {
		var entry JournalEntry
		if err := json.Unmarshal(iter.Value(), &entry); err != nil {
			j.log.Warn("Skipping corrupt journal entry",
				slog.String("key", string(iter.Key())),
				"err", err)
			continue
		}
		out = append(out, &entry)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("failed to iterate journal: %w", err)
	}
	return out, nil
}

// Remove drops an entry once its content is durably stored.
func (j *DegradedJournal) Remove(kind string, entityID uuid.UUID) error {
	if err := j.db.Delete(j.key(kind, entityID), nil); err != nil {
		return fmt.Errorf("failed to remove journal entry: %w", err)
	}
	return nil
}

// Close releases the underlying database.
func (j *DegradedJournal) Close() error {
	return j.db.Close()
}

func (j *DegradedJournal) key(kind string, entityID uuid.UUID) []byte {
	return []byte(fmt.Sprintf("degraded:%s:%s", kind, entityID))
}
