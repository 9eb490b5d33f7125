package submit

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/http"

	cehttp "github.com/cloudevents/sdk-go/v2/protocol/http"
	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/Lllllllleong/docbatch/internal/gcp"
	"github.com/Lllllllleong/docbatch/internal/staging"
)

// Reason classifies why an entry could not be transferred or enqueued.
type Reason string

const (
	ReasonNotFound   Reason = "not_found"
	ReasonPermission Reason = "permission"
	ReasonNetwork    Reason = "network"
	ReasonInvalid    Reason = "invalid"
	ReasonUnknown    Reason = "unknown"
)

// TransferError is a failed upload or copy into the staging bucket.
type TransferError struct {
	DocumentID string
	Reason     Reason
	Err        error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("transfer of %s failed (%s): %v", e.DocumentID, e.Reason, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// EnqueueError is a staged document the admission queue did not accept.
type EnqueueError struct {
	DocumentID string
	Reason     Reason
	Err        error
}

func (e *EnqueueError) Error() string {
	return fmt.Sprintf("enqueue of %s failed (%s): %v", e.DocumentID, e.Reason, e.Err)
}

func (e *EnqueueError) Unwrap() error { return e.Err }

// Classify maps an error from storage, the admission queue or the local
// filesystem onto a Reason.
func Classify(err error) Reason {
	if err == nil {
		return ""
	}
	switch {
	case gcp.IsNotFound(err), errors.Is(err, fs.ErrNotExist):
		return ReasonNotFound
	case gcp.IsPermissionDenied(err), errors.Is(err, fs.ErrPermission):
		return ReasonPermission
	case errors.Is(err, staging.ErrNotInStagingBucket):
		return ReasonInvalid
	case errors.Is(err, context.DeadlineExceeded):
		return ReasonNetwork
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return fromHTTPStatus(gerr.Code)
	}
	var herr *cehttp.Result
	if errors.As(err, &herr) && herr.StatusCode != 0 {
		return fromHTTPStatus(herr.StatusCode)
	}
	if st, ok := status.FromError(err); ok {
		switch st.Code() {
		case codes.NotFound:
			return ReasonNotFound
		case codes.PermissionDenied, codes.Unauthenticated:
			return ReasonPermission
		case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
			return ReasonNetwork
		case codes.InvalidArgument, codes.FailedPrecondition, codes.OutOfRange:
			return ReasonInvalid
		}
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		return ReasonNetwork
	}
	return ReasonUnknown
}

func fromHTTPStatus(code int) Reason {
	switch {
	case code == http.StatusNotFound:
		return ReasonNotFound
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return ReasonPermission
	case code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= 500:
		return ReasonNetwork
	case code >= 400:
		return ReasonInvalid
	}
	return ReasonUnknown
}
