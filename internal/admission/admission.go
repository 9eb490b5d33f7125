// Package admission hands staged documents to the pipeline's admission
// queue as CloudEvents.
package admission

import (
	"context"
	"errors"
	"fmt"

	cloudevents "github.com/cloudevents/sdk-go/v2"

	"github.com/Lllllllleong/docbatch/internal/models"
)

// EventType identifies admission messages.
const EventType = "com.docbatch.document.admission"

// Backend names accepted in configuration.
const (
	BackendCloudEvents = "cloudevents"
	BackendWorkflows   = "workflows"
)

// ErrWrongEventType is returned when parsing an event of another type.
var ErrWrongEventType = errors.New("not an admission event")

// Admitter enqueues exactly one admission message per call.
type Admitter interface {
	Admit(ctx context.Context, msg models.AdmissionMessage) error
}

// EventID is stable for a document in a batch so redeliveries dedupe.
func EventID(batchID, documentID string) string {
	return batchID + "/" + documentID
}

func eventID(msg models.AdmissionMessage) string {
	id := EventID(msg.BatchID, msg.DocumentID)
	if msg.RerunID != "" {
		id += "/rerun/" + msg.RerunID
	}
	return id
}

// NewEvent builds the CloudEvent carrying msg.
func NewEvent(msg models.AdmissionMessage) (cloudevents.Event, error) {
	e := cloudevents.NewEvent()
	e.SetID(eventID(msg))
	e.SetType(EventType)
	e.SetSource("docbatch/" + msg.BatchID)
	e.SetSubject(msg.StagedKey)
	if err := e.SetData(cloudevents.ApplicationJSON, msg); err != nil {
		return e, fmt.Errorf("failed to encode admission message for %s: %w", msg.DocumentID, err)
	}
	if err := e.Validate(); err != nil {
		return e, fmt.Errorf("invalid admission event for %s: %w", msg.DocumentID, err)
	}
	return e, nil
}

// ParseEvent extracts the admission message from an event.
func ParseEvent(e cloudevents.Event) (models.AdmissionMessage, error) {
	var msg models.AdmissionMessage
	if e.Type() != EventType {
		return msg, fmt.Errorf("%w: %q", ErrWrongEventType, e.Type())
	}
	if err := e.DataAs(&msg); err != nil {
		return msg, fmt.Errorf("failed to decode admission message: %w", err)
	}
	if msg.DocumentID == "" || msg.BatchID == "" || msg.StagedKey == "" {
		return msg, fmt.Errorf("admission message %s is missing documentId, batchId or stagedKey", e.ID())
	}
	if msg.TrackingID == "" {
		msg.TrackingID = models.TrackingID(msg.StagedKey)
	}
	return msg, nil
}
