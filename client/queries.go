package client

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/c360/querystate/errors"
	"github.com/c360/querystate/pkg/keyhash"
	"github.com/c360/querystate/pkg/retry"
	"github.com/c360/querystate/query"
)

// Updater computes new query data from the cached value, which is nil without data.
// Returning nil leaves the query untouched.
type Updater func(old any) any

// Value is an Updater that ignores the cached value.
func Value(v any) Updater {
	return func(any) any { return v }
}

// QueryData pairs a query key with its data.
type QueryData struct {
	Key  keyhash.Key
	Data any
}

// RefetchTypeNone skips the refetch after an invalidation.
const RefetchTypeNone query.QueryType = "none"

// InvalidateFilters select the queries to invalidate. RefetchType picks which of them
// are refetched afterwards; it defaults to the active ones.
type InvalidateFilters struct {
	query.Filters
	RefetchType query.QueryType
}

// EnsureOptions tunes EnsureQueryData.
type EnsureOptions struct {
	// RevalidateIfStale refetches stale cached data in the background.
	RevalidateIfStale bool
}

// Observe creates an observer for opts. It fetches once it gets its first listener.
func (c *Client) Observe(opts query.Options) (*query.Observer, error) {
	return query.NewObserver(c.queries, c, opts)
}

// Subscribe creates an observer and subscribes l. Call the returned function to
// unsubscribe.
func (c *Client) Subscribe(opts query.Options, l query.ResultListener) (*query.Observer, func(), error) {
	o, err := c.Observe(opts)
	if err != nil {
		return nil, nil, err
	}
	return o, o.Subscribe(l), nil
}

// FetchQuery returns cached data that is fresh by opts.StaleTime, fetching otherwise.
// Unlike observers it does not retry unless asked to. Cancelling ctx stops waiting;
// the fetch itself carries on.
func (c *Client) FetchQuery(ctx context.Context, opts query.Options) (any, error) {
	merged := c.mergeQueryOptions(opts)
	if merged.Retry == nil {
		merged.Retry = retry.Never()
	}
	defaulted, err := c.queries.DefaultQueryOptions(merged)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Client", "FetchQuery", "resolve options")
	}
	q, err := c.queries.Build(defaulted, nil)
	if err != nil {
		return nil, err
	}

	if !q.IsStaleByTime(staleTime(defaulted)) {
		return q.State().Data, nil
	}
	return q.Fetch(&defaulted, query.FetchOptions{}).Wait(ctx)
}

// PrefetchQuery is FetchQuery without a result; failures are only recorded in the
// query state.
func (c *Client) PrefetchQuery(ctx context.Context, opts query.Options) {
	if _, err := c.FetchQuery(ctx, opts); err != nil {
		c.logger.Debug("Prefetch failed", "error", err)
	}
}

// EnsureQueryData returns cached data when there is any, and fetches otherwise.
func (c *Client) EnsureQueryData(ctx context.Context, opts query.Options, eo EnsureOptions) (any, error) {
	defaulted, err := c.DefaultQueryOptions(opts)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Client", "EnsureQueryData", "resolve options")
	}
	q := c.queries.Get(defaulted.QueryHash)
	if q == nil || q.State().Data == nil {
		return c.FetchQuery(ctx, opts)
	}
	if eo.RevalidateIfStale && q.IsStaleByTime(staleTime(defaulted)) {
		go c.PrefetchQuery(context.Background(), opts)
	}
	return q.State().Data, nil
}

func staleTime(opts query.Options) time.Duration {
	if opts.StaleTime == nil {
		return 0
	}
	return *opts.StaleTime
}

// GetQueryData returns the cached data for key, or nil.
func (c *Client) GetQueryData(key keyhash.Key) any {
	q := c.find(key)
	if q == nil {
		return nil
	}
	return q.State().Data
}

// GetQueryState returns the state of the query for key.
func (c *Client) GetQueryState(key keyhash.Key) (query.State, bool) {
	q := c.find(key)
	if q == nil {
		return query.State{}, false
	}
	return q.State(), true
}

func (c *Client) find(key keyhash.Key) *query.Query {
	hash, err := keyhash.Hash(key)
	if err != nil {
		return nil
	}
	return c.queries.Get(hash)
}

// SetQueryData writes data for key, creating the query if needed. The update counts
// as a success but leaves an in-flight fetch alone. It returns the stored value,
// structurally shared with the previous one, or nil if the updater returned nil.
func (c *Client) SetQueryData(key keyhash.Key, update Updater) (any, error) {
	data := update(c.GetQueryData(key))
	if data == nil {
		return nil, nil
	}
	defaulted, err := c.DefaultQueryOptions(query.Options{QueryKey: key})
	if err != nil {
		return nil, errors.WrapInvalid(err, "Client", "SetQueryData", "resolve options")
	}
	q, err := c.queries.Build(defaulted, nil)
	if err != nil {
		return nil, err
	}
	return q.SetData(data, query.SetDataOptions{Manual: true}), nil
}

// GetQueriesData returns key and data of every query matching filters.
func (c *Client) GetQueriesData(filters query.Filters) []QueryData {
	qs := c.queries.FindAll(filters)
	out := make([]QueryData, 0, len(qs))
	for _, q := range qs {
		out = append(out, QueryData{Key: q.Key(), Data: q.State().Data})
	}
	return out
}

// SetQueriesData applies update to every query matching filters.
func (c *Client) SetQueriesData(filters query.Filters, update Updater) ([]QueryData, error) {
	var out []QueryData
	var err error
	c.queries.NotifyManager().Batch(func() {
		for _, q := range c.queries.FindAll(filters) {
			var data any
			data, err = c.SetQueryData(q.Key(), update)
			if err != nil {
				return
			}
			out = append(out, QueryData{Key: q.Key(), Data: data})
		}
	})
	return out, err
}

// InvalidateQueries marks matching queries stale and refetches those selected by
// RefetchType.
func (c *Client) InvalidateQueries(ctx context.Context, filters InvalidateFilters, opts query.RefetchOptions) error {
	c.queries.NotifyManager().Batch(func() {
		for _, q := range c.queries.FindAll(filters.Filters) {
			q.Invalidate()
		}
	})
	if filters.RefetchType == RefetchTypeNone {
		return nil
	}
	refetch := filters.Filters
	refetch.Type = filters.RefetchType
	if refetch.Type == "" {
		refetch.Type = query.QueryTypeActive
	}
	return c.RefetchQueries(ctx, refetch, opts)
}

// RefetchQueries refetches every enabled query matching filters and waits for them.
// Paused fetches are not waited for. Errors are returned only with ThrowOnError.
func (c *Client) RefetchQueries(ctx context.Context, filters query.Filters, opts query.RefetchOptions) error {
	cancelRefetch := opts.CancelRefetch == nil || *opts.CancelRefetch

	var promises []*retry.Promise[any]
	c.queries.NotifyManager().Batch(func() {
		for _, q := range c.queries.FindAll(filters) {
			if q.IsDisabled() {
				continue
			}
			p := q.Fetch(nil, query.FetchOptions{CancelRefetch: cancelRefetch})
			if q.State().FetchStatus == query.FetchStatusPaused {
				continue
			}
			promises = append(promises, p)
		}
	})

	g, gctx := errgroup.WithContext(ctx)
	for _, p := range promises {
		g.Go(func() error {
			_, err := p.Wait(gctx)
			if err == nil || retry.IsCancelled(err) {
				return nil
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if opts.ThrowOnError {
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

// CancelQueries cancels in-flight fetches of matching queries and waits until their
// state settles. A nil opts reverts to the state before each fetch.
func (c *Client) CancelQueries(ctx context.Context, filters query.Filters, opts *retry.CancelOptions) error {
	cancel := retry.CancelOptions{Revert: true}
	if opts != nil {
		cancel = *opts
	}

	var promises []*retry.Promise[any]
	c.queries.NotifyManager().Batch(func() {
		for _, q := range c.queries.FindAll(filters) {
			if p := q.Cancel(cancel); p != nil {
				promises = append(promises, p)
			}
		}
	})
	for _, p := range promises {
		select {
		case <-p.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// RemoveQueries drops matching queries from the cache.
func (c *Client) RemoveQueries(filters query.Filters) {
	c.queries.NotifyManager().Batch(func() {
		for _, q := range c.queries.FindAll(filters) {
			c.queries.Remove(q)
		}
	})
}

// ResetQueries restores matching queries to their initial state and refetches the
// active ones.
func (c *Client) ResetQueries(ctx context.Context, filters query.Filters, opts query.RefetchOptions) error {
	c.queries.NotifyManager().Batch(func() {
		for _, q := range c.queries.FindAll(filters) {
			q.Reset()
		}
	})
	refetch := filters
	refetch.Type = query.QueryTypeActive
	return c.RefetchQueries(ctx, refetch, opts)
}

// IsFetching counts matching queries with a fetch in flight.
func (c *Client) IsFetching(filters query.Filters) int {
	filters.FetchStatus = query.FetchStatusFetching
	return len(c.queries.FindAll(filters))
}
