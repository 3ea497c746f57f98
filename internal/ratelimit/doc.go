// Package ratelimit admits calls to a quota'd external API per route.
//
// Each route owns a bucket of sliding windows (for example 30 calls per 10s
// and 500 calls per 10min). Acquire blocks the caller until one more call
// fits in every window of the route, then records the admission. Routes
// that are not configured share the semantics of the table's Default bucket.
//
// Buckets live in a Limiter instance, so quota is only enforced within one
// process. Two harvester processes hitting the same route each see their own
// view of the quota and can together exceed it.
package ratelimit
