package gcp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
)

// URIScheme is the only remote scheme the pipeline accepts.
const URIScheme = "gs://"

// GetEnv is a helper to read an environment variable or return a default value.
func GetEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

// IsRemoteURI reports whether ref carries a URI scheme ("xxx://").
func IsRemoteURI(ref string) bool {
	i := strings.Index(ref, "://")
	if i <= 0 {
		return false
	}
	for _, r := range ref[:i] {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '+' || r == '-' || r == '.') {
			return false
		}
	}
	return true
}

// ParseURI splits gs://bucket/key into its parts. The key may be empty.
func ParseURI(uri string) (bucket, key string, err error) {
	if !strings.HasPrefix(uri, URIScheme) {
		return "", "", fmt.Errorf("invalid Cloud Storage URI %q: must start with %s", uri, URIScheme)
	}
	rest := strings.TrimPrefix(uri, URIScheme)
	bucket, key, _ = strings.Cut(rest, "/")
	if bucket == "" {
		return "", "", fmt.Errorf("invalid Cloud Storage URI %q: missing bucket", uri)
	}
	return bucket, key, nil
}

// URI formats a bucket and object key as gs://bucket/key.
func URI(bucket, key string) string {
	return fmt.Sprintf("%s%s/%s", URIScheme, bucket, key)
}

// IsNotFound reports whether err means the object or bucket does not exist.
func IsNotFound(err error) bool {
	if errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist) {
		return true
	}
	return hasCode(err, http.StatusNotFound)
}

// IsPreconditionFailed reports a failed generation / DoesNotExist condition.
func IsPreconditionFailed(err error) bool {
	return hasCode(err, http.StatusPreconditionFailed)
}

// IsPermissionDenied reports 401/403 responses.
func IsPermissionDenied(err error) bool {
	return hasCode(err, http.StatusForbidden) || hasCode(err, http.StatusUnauthorized)
}

func hasCode(err error, code int) bool {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code == code
	}
	return false
}

// CreateObjectIfAbsent writes content to a GCS object only if it doesn't already exist.
// It returns created=false without error when the object was already there,
// otherwise the generation of the new object.
func CreateObjectIfAbsent(ctx context.Context, bucket *storage.BucketHandle, objectName string, content []byte, contentType string) (generation int64, created bool, err error) {
	writer := bucket.Object(objectName).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	writer.ContentType = contentType

	if _, err := io.Copy(writer, bytes.NewReader(content)); err != nil {
		_ = writer.Close()
		slog.Error("Failed to copy content to GCS object.", "gcsObject", objectName, "error", err)
		return 0, false, fmt.Errorf("failed to write to GCS: %w", err)
	}

	if err := writer.Close(); err != nil {
		if IsPreconditionFailed(err) {
			slog.Debug("Object already exists.", "gcsObject", objectName)
			return 0, false, nil
		}
		slog.Error("Failed to close GCS writer.", "gcsObject", objectName, "error", err)
		return 0, false, fmt.Errorf("failed to finalize GCS write: %w", err)
	}
	return writer.Attrs().Generation, true, nil
}

// ReplaceObject overwrites an object only while it is still at the given
// generation and returns the new generation.
func ReplaceObject(ctx context.Context, bucket *storage.BucketHandle, objectName string, generation int64, content []byte, contentType string) (int64, error) {
	writer := bucket.Object(objectName).If(storage.Conditions{GenerationMatch: generation}).NewWriter(ctx)
	writer.ContentType = contentType
	if _, err := io.Copy(writer, bytes.NewReader(content)); err != nil {
		_ = writer.Close()
		return 0, fmt.Errorf("failed to write to GCS: %w", err)
	}
	if err := writer.Close(); err != nil {
		return 0, fmt.Errorf("failed to finalize GCS write: %w", err)
	}
	return writer.Attrs().Generation, nil
}

// ReadObject returns an object's bytes together with its generation.
func ReadObject(ctx context.Context, bucket *storage.BucketHandle, objectName string) ([]byte, int64, error) {
	reader, err := bucket.Object(objectName).NewReader(ctx)
	if err != nil {
		return nil, 0, err
	}
	defer reader.Close()
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read gs://%s/%s: %w", bucket.BucketName(), objectName, err)
	}
	return data, reader.Attrs.Generation, nil
}
