// Package natsclient connects querystate to NATS.
//
// A Client owns one connection. Its connectivity drives the online signal, so queries
// and mutations in online network mode pause while NATS is unreachable and resume
// when the connection comes back:
//
//	nc, err := natsclient.NewClient("nats://localhost:4222",
//		natsclient.WithName("querystate"),
//		natsclient.WithLogger(logger),
//	)
//	if err != nil {
//		return err
//	}
//	if err := nc.Connect(ctx); err != nil {
//		return err
//	}
//	defer nc.Close(context.Background())
//
//	qc.OnlineManager().SetEventListener(nc.OnlineSource())
//
// # Request/reply
//
// RequestFunc and MutationFunc turn a request subject into a work function. Query
// functions send the query key and meta as JSON; mutation functions send the
// variables. Replies are decoded as JSON. Service errors reported through the
// Nats-Service-Error-Code header are classified: 5xx and 429 are transient and
// retried, other codes are invalid and never retried. A missing responder is a
// transient ErrServiceUnavailable.
//
//	observer, unsubscribe, err := qc.Subscribe(query.Options{
//		QueryKey: keyhash.Key{"todos"},
//		QueryFn:  natsclient.RequestFunc(nc, "todos.list"),
//	}, onResult)
//
// # Connection lifecycle
//
// Status moves through disconnected, connecting, connected, reconnecting and closed.
// Connect retries the initial dial with the configured retry.Config; afterwards the
// NATS library reconnects on its own and the client only tracks the transitions.
// Close unsubscribes, drains the connection within the drain timeout, and clears
// credentials.
package natsclient
