package main

import (
	"context"
	"log/slog"
	"os"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	cloudevents "github.com/cloudevents/sdk-go/v2"

	"github.com/Lllllllleong/docbatch/internal/services"
)

var (
	processorInstance *services.AdmissionProcessor
	once              sync.Once
	initErr           error
)

func init() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	functions.CloudEvent("AdmitDocument", admitDocument)
}

// main is required by the Go Functions Framework.
func main() {}

// admitDocument is the Cloud Function entry point for admission events.
func admitDocument(ctx context.Context, e cloudevents.Event) error {
	once.Do(func() {
		processorInstance, initErr = services.NewAdmissionProcessor(context.Background())
	})
	if initErr != nil {
		slog.Error("Critical error during function initialization", "error", initErr)
		return initErr
	}

	// A returned error fails the delivery so it is retried.
	return processorInstance.Process(ctx, e)
}
