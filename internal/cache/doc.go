// Package cache defines the response store behind the relay. A store maps a
// synthetic request identity (the resolved upstream URL for binaries, a fixed
// key for the version lookup) to a header snapshot plus a streamable body,
// bounded by a per-entry TTL. Three backends are provided: a disk store using
// temp file + rename semantics, a bounded in-memory LRU, and a redis store for
// deployments that share one cache across relay instances. Writes are never
// performed on the request path; handlers hand finished responses to the
// Populator, which stores them from a background worker pool.
package cache
