package registry

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/carevault/record-access-backend/interfaces"
	"github.com/carevault/record-access-backend/storage"
	"github.com/carevault/record-access-backend/tablestore"
)

// Reconciler heals degraded entries once the blob store is reachable again:
// it re-uploads the journaled bytes, clears the degraded flag on the metadata
// row, and drops the journal entry. Content addressing makes the re-upload
// idempotent; the healed entry keeps the identity it was created with.
type Reconciler struct {
	content *storage.ContentStore
	journal *tablestore.DegradedJournal
	records interfaces.RecordStore
	shared  interfaces.SharedFileStore
	log     *slog.Logger
}

// NewReconciler creates a reconciliation pass over the degraded journal.
func NewReconciler(content *storage.ContentStore, journal *tablestore.DegradedJournal, records interfaces.RecordStore, shared interfaces.SharedFileStore, log *slog.Logger) *Reconciler {
	return &Reconciler{
		content: content,
		journal: journal,
		records: records,
		shared:  shared,
		log:     log,
	}
}

// Run processes every pending journal entry. Entries that still cannot be
// uploaded stay journaled for the next run. Returns the number of healed
// entries.
func (rc *Reconciler) Run(ctx context.Context) (int, error) {
	if !rc.content.Available(ctx) {
		rc.log.Debug("Reconciliation skipped, content store still unavailable")
		return 0, nil
	}

	entries, err := rc.journal.Entries()
	if err != nil {
		return 0, fmt.Errorf("failed to read degraded journal: %w", err)
	}

	healed := 0
	for _, entry := range entries {
		if err := rc.heal(ctx, entry); err != nil {
			rc.log.Warn("Failed to heal degraded entry",
				slog.String("kind", entry.Kind),
				slog.String("entity_id", entry.EntityID.String()),
				"err", err)
			continue
		}
		healed++
	}

	if healed > 0 {
		rc.log.Info("Reconciliation pass completed",
			slog.Int("healed", healed),
			slog.Int("pending", len(entries)-healed))
	}
	return healed, nil
}

func (rc *Reconciler) heal(ctx context.Context, entry *tablestore.JournalEntry) error {
	ns := interfaces.ContentNamespace(entry.Namespace)

	obj, err := rc.content.Put(ctx, entry.Content, entry.MimeType, ns)
	if err != nil {
		return fmt.Errorf("re-upload failed: %w", err)
	}
	if !obj.ID.Equal(entry.ContentID) {
		return fmt.Errorf("journaled content hash mismatch: stored %s, expected %s", obj.ID, entry.ContentID)
	}

	switch entry.Kind {
	case tablestore.JournalKindRecord:
		err = rc.records.MarkRecordHealed(ctx, entry.EntityID)
	case tablestore.JournalKindSharedFile:
		err = rc.shared.MarkSharedFileHealed(ctx, entry.EntityID)
	default:
		return fmt.Errorf("unknown journal kind %q", entry.Kind)
	}
	if err != nil {
		return fmt.Errorf("failed to clear degraded flag: %w", err)
	}

	return rc.journal.Remove(entry.Kind, entry.EntityID)
}
