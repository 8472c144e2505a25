package natsclient

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/nats-io/nats.go"
	slogcontext "github.com/veqryn/slog-context"

	"github.com/c360/querystate/errors"
	"github.com/c360/querystate/mutation"
	"github.com/c360/querystate/pkg/keyhash"
	"github.com/c360/querystate/pkg/retry"
	"github.com/c360/querystate/query"
)

// Service error headers set by NATS micro services.
const (
	HeaderServiceError     = "Nats-Service-Error"
	HeaderServiceErrorCode = "Nats-Service-Error-Code"
)

// QueryRequest is the payload a query function sends.
type QueryRequest struct {
	Key  keyhash.Key    `json:"key"`
	Meta map[string]any `json:"meta,omitempty"`
}

// Requester sends a request and waits for a reply.
type Requester interface {
	Request(ctx context.Context, subject string, data []byte) (*nats.Msg, error)
}

// RequestFunc returns a query function that requests subject with the query key and
// decodes the JSON reply as the query data.
func RequestFunc(r Requester, subject string) query.Func {
	return func(ctx context.Context, fc query.FunctionContext) (any, error) {
		body, err := json.Marshal(QueryRequest{Key: fc.QueryKey, Meta: fc.Meta})
		if err != nil {
			return nil, errors.WrapInvalid(err, "natsclient", "RequestFunc", "encode request")
		}
		return roundTrip(ctx, r, subject, body)
	}
}

// MutationFunc returns a mutation function that sends the JSON-encoded variables to
// subject and decodes the JSON reply.
func MutationFunc(r Requester, subject string) mutation.Func {
	return func(ctx context.Context, variables any) (any, error) {
		body, err := json.Marshal(variables)
		if err != nil {
			return nil, retry.NonRetryable(
				errors.WrapInvalid(err, "natsclient", "MutationFunc", "encode variables"))
		}
		return roundTrip(ctx, r, subject, body)
	}
}

func roundTrip(ctx context.Context, r Requester, subject string, body []byte) (any, error) {
	logger := slogcontext.FromCtx(ctx)
	msg, err := r.Request(ctx, subject, body)
	if err != nil {
		logger.Debug("NATS request failed", "subject", subject, "error", err)
		return nil, err
	}
	logger.Debug("NATS reply received", "subject", subject, "bytes", len(msg.Data))
	if err := classifyReply(subject, msg); err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(msg.Data, &out); err != nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %w", errors.ErrParsingFailed, err),
			"natsclient", "roundTrip", "decode reply from "+subject)
	}
	return out, nil
}

// classifyReply turns a service error reply into an error. 5xx and 429 codes are
// transient; other codes are invalid and not retried.
func classifyReply(subject string, msg *nats.Msg) error {
	if msg == nil || msg.Header == nil {
		return nil
	}
	desc := msg.Header.Get(HeaderServiceError)
	codeText := msg.Header.Get(HeaderServiceErrorCode)
	if desc == "" && codeText == "" {
		return nil
	}
	code, _ := strconv.Atoi(codeText)
	if desc == "" {
		desc = "service error"
	}
	action := "request " + subject

	switch {
	case code == 429:
		return errors.WrapTransient(fmt.Errorf("%w: %s", errors.ErrRateLimited, desc), "natsclient", "classifyReply", action)
	case code >= 500 || code == 0:
		return errors.WrapTransient(fmt.Errorf("%w: %d %s", errors.ErrServiceUnavailable, code, desc),
			"natsclient", "classifyReply", action)
	default:
		return retry.NonRetryable(errors.WrapInvalid(fmt.Errorf("%w: %d %s", errors.ErrInvalidData, code, desc),
			"natsclient", "classifyReply", action))
	}
}
