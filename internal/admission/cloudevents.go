package admission

import (
	"context"
	"fmt"

	cloudevents "github.com/cloudevents/sdk-go/v2"

	"github.com/Lllllllleong/docbatch/internal/models"
)

// EventAdmitter posts admission events to an HTTP endpoint in binary mode.
type EventAdmitter struct {
	client   cloudevents.Client
	endpoint string
}

// NewEventAdmitter creates an HTTP CloudEvents client for endpoint.
func NewEventAdmitter(endpoint string) (*EventAdmitter, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("admission endpoint must be configured for the %s backend", BackendCloudEvents)
	}
	client, err := cloudevents.NewClientHTTP()
	if err != nil {
		return nil, fmt.Errorf("failed to create CloudEvents client: %w", err)
	}
	return &EventAdmitter{client: client, endpoint: endpoint}, nil
}

// Admit sends one event and waits for the receiver to acknowledge it.
func (a *EventAdmitter) Admit(ctx context.Context, msg models.AdmissionMessage) error {
	event, err := NewEvent(msg)
	if err != nil {
		return err
	}
	ctx = cloudevents.ContextWithTarget(ctx, a.endpoint)
	ctx = cloudevents.WithEncodingBinary(ctx)

	result := a.client.Send(ctx, event)
	if cloudevents.IsUndelivered(result) {
		return fmt.Errorf("admission event %s was not delivered: %w", event.ID(), result)
	}
	if !cloudevents.IsACK(result) {
		return fmt.Errorf("admission event %s was rejected: %w", event.ID(), result)
	}
	return nil
}
