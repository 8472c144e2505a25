package mutation

import (
	"context"
	"time"

	"github.com/c360/querystate/pkg/keyhash"
	"github.com/c360/querystate/pkg/retry"
	"github.com/c360/querystate/query"
)

// Func performs the write. It receives the attempt context and the variables passed to
// Execute.
type Func func(ctx context.Context, variables any) (any, error)

// Scope serializes mutations: those sharing an ID run one at a time in submission order.
type Scope struct {
	ID string `json:"id"`
}

// Options configures a mutation. Zero values inherit defaults.
type Options struct {
	MutationKey keyhash.Key
	MutationFn  Func
	Scope       *Scope

	Retry       retry.Policy
	RetryDelay  retry.DelayFunc
	NetworkMode retry.NetworkMode
	GCTime      *time.Duration

	// OnMutate runs before the work function. Its return value becomes the mutation
	// context passed to the other callbacks; an error fails the mutation.
	OnMutate  func(ctx context.Context, variables any) (any, error)
	OnSuccess func(data, variables, mctx any)
	OnError   func(err error, variables, mctx any)
	OnSettled func(data any, err error, variables, mctx any)

	Meta map[string]any
}

// Defaulter resolves the defaults registered for a mutation key.
type Defaulter interface {
	DefaultMutationOptions(Options) Options
}

// Merge returns o with every non-zero field of over applied on top.
func (o Options) Merge(over Options) Options {
	out := o
	if over.MutationKey != nil {
		out.MutationKey = over.MutationKey
	}
	if over.MutationFn != nil {
		out.MutationFn = over.MutationFn
	}
	if over.Scope != nil {
		out.Scope = over.Scope
	}
	if over.Retry != nil {
		out.Retry = over.Retry
	}
	if over.RetryDelay != nil {
		out.RetryDelay = over.RetryDelay
	}
	if over.NetworkMode != "" {
		out.NetworkMode = over.NetworkMode
	}
	if over.GCTime != nil {
		out.GCTime = over.GCTime
	}
	if over.OnMutate != nil {
		out.OnMutate = over.OnMutate
	}
	if over.OnSuccess != nil {
		out.OnSuccess = over.OnSuccess
	}
	if over.OnError != nil {
		out.OnError = over.OnError
	}
	if over.OnSettled != nil {
		out.OnSettled = over.OnSettled
	}
	if over.Meta != nil {
		out.Meta = over.Meta
	}
	return out
}

// Mutations never retry unless asked to.
func withDefaults(opts Options, serverMode bool) Options {
	if opts.Retry == nil {
		opts.Retry = retry.Never()
	}
	if opts.RetryDelay == nil {
		opts.RetryDelay = retry.DefaultDelay
	}
	if opts.NetworkMode == "" {
		opts.NetworkMode = retry.NetworkModeOnline
	}
	if opts.GCTime == nil {
		gc := query.DefaultGCTime
		if serverMode {
			gc = query.Infinity
		}
		opts.GCTime = query.Duration(gc)
	}
	return opts
}

func scopeID(opts Options) string {
	if opts.Scope == nil {
		return ""
	}
	return opts.Scope.ID
}
