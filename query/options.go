package query

import (
	"time"

	"github.com/c360/querystate/pkg/keyhash"
	"github.com/c360/querystate/pkg/retry"
	"github.com/c360/querystate/pkg/structural"
)

const (
	// DefaultGCTime is how long an unused query stays cached.
	DefaultGCTime = 5 * time.Minute
	// DefaultRetries is the number of retries after a failed first attempt.
	DefaultRetries = 3
)

// Options configures a query and the observers watching it. The zero value of every
// field means "not set"; defaults are filled in by a Defaulter.
type Options struct {
	QueryKey  keyhash.Key
	QueryHash string
	QueryFn   Func

	// Enabled statically enables or disables automatic fetching. EnabledFunc, when
	// set, takes precedence and is evaluated against the current query.
	Enabled     *bool
	EnabledFunc func(q *Query) bool

	// StaleTime is how long data stays fresh. Infinity never goes stale.
	StaleTime *time.Duration
	// GCTime is how long the query stays cached without observers. Infinity disables
	// collection. When observers disagree the longest wins.
	GCTime *time.Duration

	Retry       retry.Policy
	RetryDelay  retry.DelayFunc
	NetworkMode retry.NetworkMode

	RefetchOnMount              Trigger
	RefetchOnWindowFocus        Trigger
	RefetchOnReconnect          Trigger
	RefetchInterval             time.Duration
	RefetchIntervalInBackground bool
	// NoRetryOnMount keeps an errored query from refetching when an observer mounts.
	NoRetryOnMount bool

	// Select projects query data for one observer. It must be pure.
	Select func(data any) (any, error)
	// StructuralSharing merges newly fetched data into the previous value. Defaults to
	// structural.ReplaceEqualDeep; use NoStructuralSharing to keep fetched values as is.
	StructuralSharing func(prev, next any) any

	InitialData          func() any
	InitialDataUpdatedAt time.Time
	// PlaceholderData is shown while the query is pending without data. It receives the
	// data of the last query this observer showed data for.
	PlaceholderData func(prev any) any

	NotifyOnChangeProps []Prop
	ThrowOnError        bool
	Meta                map[string]any
}

// NoStructuralSharing keeps freshly fetched data as returned.
func NoStructuralSharing(_, next any) any {
	return next
}

// Defaulter fills in defaults for query options. Implementations must be idempotent.
type Defaulter interface {
	DefaultQueryOptions(opts Options) (Options, error)
}

// Merge returns o with every field set in over replacing the field in o.
func (o Options) Merge(over Options) Options {
	out := o
	if over.QueryKey != nil {
		out.QueryKey = over.QueryKey
		if over.QueryHash == "" {
			out.QueryHash = ""
		}
	}
	if over.QueryHash != "" {
		out.QueryHash = over.QueryHash
	}
	if over.QueryFn != nil {
		out.QueryFn = over.QueryFn
	}
	if over.Enabled != nil {
		out.Enabled = over.Enabled
	}
	if over.EnabledFunc != nil {
		out.EnabledFunc = over.EnabledFunc
	}
	if over.StaleTime != nil {
		out.StaleTime = over.StaleTime
	}
	if over.GCTime != nil {
		out.GCTime = over.GCTime
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
	if over.RefetchOnMount != TriggerInherit {
		out.RefetchOnMount = over.RefetchOnMount
	}
	if over.RefetchOnWindowFocus != TriggerInherit {
		out.RefetchOnWindowFocus = over.RefetchOnWindowFocus
	}
	if over.RefetchOnReconnect != TriggerInherit {
		out.RefetchOnReconnect = over.RefetchOnReconnect
	}
	if over.RefetchInterval != 0 {
		out.RefetchInterval = over.RefetchInterval
	}
	if over.RefetchIntervalInBackground {
		out.RefetchIntervalInBackground = true
	}
	if over.NoRetryOnMount {
		out.NoRetryOnMount = true
	}
	if over.Select != nil {
		out.Select = over.Select
	}
	if over.StructuralSharing != nil {
		out.StructuralSharing = over.StructuralSharing
	}
	if over.InitialData != nil {
		out.InitialData = over.InitialData
	}
	if !over.InitialDataUpdatedAt.IsZero() {
		out.InitialDataUpdatedAt = over.InitialDataUpdatedAt
	}
	if over.PlaceholderData != nil {
		out.PlaceholderData = over.PlaceholderData
	}
	if over.NotifyOnChangeProps != nil {
		out.NotifyOnChangeProps = over.NotifyOnChangeProps
	}
	if over.ThrowOnError {
		out.ThrowOnError = true
	}
	if over.Meta != nil {
		out.Meta = over.Meta
	}
	return out
}

// IsEnabled resolves Enabled and EnabledFunc against q. Queries are enabled unless
// configured otherwise.
func (o Options) IsEnabled(q *Query) bool {
	if o.EnabledFunc != nil {
		return o.EnabledFunc(q)
	}
	if o.Enabled != nil {
		return *o.Enabled
	}
	return true
}

func (o Options) staleTime() time.Duration {
	if o.StaleTime == nil {
		return 0
	}
	return *o.StaleTime
}

func (o Options) gcTime(serverMode bool) time.Duration {
	if o.GCTime != nil {
		return *o.GCTime
	}
	if serverMode {
		return Infinity
	}
	return DefaultGCTime
}

func (o Options) replaceData(prev, next any) any {
	if o.StructuralSharing != nil {
		return o.StructuralSharing(prev, next)
	}
	return structural.ReplaceEqualDeep(prev, next)
}

func (t Trigger) resolve() Trigger {
	if t == TriggerInherit {
		return TriggerWhenStale
	}
	return t
}

// withDefaults fills in everything a query needs to run. It is the innermost layer of
// option precedence.
func withDefaults(opts Options, serverMode bool) (Options, error) {
	if opts.QueryHash == "" {
		hash, err := keyhash.Hash(opts.QueryKey)
		if err != nil {
			return opts, err
		}
		opts.QueryHash = hash
	}
	if opts.NetworkMode == "" {
		opts.NetworkMode = retry.NetworkModeOnline
	}
	if opts.Retry == nil {
		if serverMode {
			opts.Retry = retry.Never()
		} else {
			opts.Retry = retry.Times(DefaultRetries)
		}
	}
	if opts.RetryDelay == nil {
		opts.RetryDelay = retry.DefaultDelay
	}
	if opts.GCTime == nil {
		opts.GCTime = Duration(opts.gcTime(serverMode))
	}
	if opts.StructuralSharing == nil {
		opts.StructuralSharing = structural.ReplaceEqualDeep
	}
	return opts, nil
}
