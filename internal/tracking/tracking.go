// Package tracking reads the per-document tracking records the processing
// side writes. The only write is the reset that precedes a rerun.
package tracking

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/firestore"

	"github.com/Lllllllleong/docbatch/internal/gcp"
	"github.com/Lllllllleong/docbatch/internal/models"
)

// ErrNoRecord means the document has not been picked up yet.
var ErrNoRecord = errors.New("no tracking record")

// LookupError is a failed read of one document's tracking record.
type LookupError struct {
	DocumentID string
	Err        error
}

func (e *LookupError) Error() string {
	return fmt.Sprintf("tracking lookup for %s: %v", e.DocumentID, e.Err)
}

func (e *LookupError) Unwrap() error { return e.Err }

// Tracker looks up one document's tracking record.
type Tracker interface {
	Lookup(ctx context.Context, doc models.BatchDocument) (*models.Document, error)
}

// FirestoreTracker reads records from a Firestore collection keyed by
// tracking ID.
type FirestoreTracker struct {
	client     *firestore.Client
	collection string
}

// NewFirestoreTracker returns a tracker over collection.
func NewFirestoreTracker(client *firestore.Client, collection string) *FirestoreTracker {
	return &FirestoreTracker{client: client, collection: collection}
}

// Lookup fetches the record for doc.
func (t *FirestoreTracker) Lookup(ctx context.Context, doc models.BatchDocument) (*models.Document, error) {
	snap, err := t.ref(doc).Get(ctx)
	if err != nil {
		if gcp.IsFirestoreNotFound(err) {
			return nil, &LookupError{DocumentID: doc.DocumentID, Err: ErrNoRecord}
		}
		return nil, &LookupError{DocumentID: doc.DocumentID, Err: err}
	}
	var record models.Document
	if err := snap.DataTo(&record); err != nil {
		return nil, &LookupError{DocumentID: doc.DocumentID, Err: fmt.Errorf("decode tracking record: %w", err)}
	}
	return &record, nil
}

func (t *FirestoreTracker) ref(doc models.BatchDocument) *firestore.DocumentRef {
	id := doc.TrackingID
	if id == "" {
		id = models.TrackingID(doc.StagedKey)
	}
	return t.client.Collection(t.collection).Doc(id)
}
