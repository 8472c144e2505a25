package client

import (
	"context"

	"github.com/c360/querystate/mutation"
)

// Mutate starts a mutation in the background and returns it. The callbacks run after
// the option-level ones once it settles.
func (c *Client) Mutate(opts mutation.Options, variables any, cb *mutation.MutateCallbacks) *mutation.Mutation {
	m := c.mutations.Build(c.DefaultMutationOptions(opts), nil)
	go func() {
		data, err := m.Execute(context.Background(), variables)
		if cb == nil {
			return
		}
		s := m.State()
		if err != nil {
			if cb.OnError != nil {
				cb.OnError(err, variables, s.Context)
			}
		} else if cb.OnSuccess != nil {
			cb.OnSuccess(data, variables, s.Context)
		}
		if cb.OnSettled != nil {
			cb.OnSettled(data, err, variables, s.Context)
		}
	}()
	return m
}

// MutateAsync runs a mutation and returns its outcome.
func (c *Client) MutateAsync(ctx context.Context, opts mutation.Options, variables any) (any, error) {
	m := c.mutations.Build(c.DefaultMutationOptions(opts), nil)
	return m.Execute(ctx, variables)
}

// NewMutationObserver creates a mutation observer resolving options through the
// client's defaults.
func (c *Client) NewMutationObserver(opts mutation.Options) *mutation.Observer {
	return mutation.NewObserver(c.mutations, c, opts)
}

// ResumePausedMutations continues paused mutations and waits for them.
func (c *Client) ResumePausedMutations(ctx context.Context) error {
	return c.mutations.ResumePausedMutations(ctx)
}

// IsMutating counts matching mutations that are pending.
func (c *Client) IsMutating(filters mutation.Filters) int {
	filters.Status = mutation.StatusPending
	return len(c.mutations.FindAll(filters))
}
