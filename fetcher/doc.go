// Package fetcher provides HTTP work functions for queries and mutations.
//
// An HTTP fetcher resolves targets against an optional base URL, sends JSON, and
// decodes JSON replies into plain Go values (maps, slices, float64, string, bool).
// Responses are classified for the retry policy: transport failures, 429 and 5xx are
// transient; other 4xx statuses are invalid and wrapped as non-retryable, so the
// retryer gives up on them at once. An optional token-bucket limiter spaces requests
// out across every function built from the same fetcher.
//
//	f, err := fetcher.NewHTTP(fetcher.Config{
//		BaseURL:   "https://api.example.com",
//		RateLimit: 20,
//		Burst:     5,
//	})
//	if err != nil {
//		return err
//	}
//	opts := query.Options{
//		QueryKey: keyhash.Key{"todos"},
//		QueryFn:  f.QueryFunc("/todos"),
//	}
//
// An empty response body yields nil data, which a query treats as a failure.
package fetcher
