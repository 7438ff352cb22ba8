// Package epidataclient implements a caching client for the Delphi Epidata
// API and an optional gRPC proxy in front of it.
//
// # Architecture
//
// The module is structured into several key packages:
//   - query: range-typed selectors and the hashable backend call (Spec)
//   - planner: splits a logical request into backend calls and merges results
//   - api: HTTP transport, pagination, retries and rate limiting
//   - cache: fingerprint-keyed response cache with bbolt persistence
//   - database: PostgreSQL persistence for the response cache
//   - epidata: the Context façade tying the above together
//   - grpc: proxy service, middlewares and health checks
//   - config, metrics, models: shared plumbing
//
// Key Features
//
//   - Versioned reads:
//     Requests may pin an as_of snapshot or filter by issue. Each distinct
//     version is a distinct cache entry; a latest read never answers an
//     as_of read.
//
//   - Caching:
//     Entries are fresh for a configurable max age (one day by default),
//     bounded by an LRU and optionally persisted to a bbolt file or
//     PostgreSQL. Concurrent requests for the same backend call share a
//     single fetch.
//
//   - Batching:
//     Signals of one source are fetched together and long explicit lists
//     are chunked, so a logical request becomes the fewest backend calls.
//
// Example Usage
//
//	ctx, err := epidata.New(epidata.DefaultOptions())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer ctx.Close()
//
//	tbl, err := ctx.Query(context.Background(), epidata.Params{
//	    Signals:    planner.Signals("hhs", "confirmed_admissions_influenza_1d"),
//	    GeoType:    "nation",
//	    GeoValues:  query.Wildcard[query.GeoCode](),
//	    TimeType:   query.TimeTypeDay,
//	    TimeValues: query.MustInterval(query.TimeValue(20220401), query.TimeValue(20220430)),
//	    AsOf:       20220510,
//	})
//
// For more information about specific packages, see their respective
// documentation.
package epidataclient
