// Package heapflow is the durable capture core of an event-analytics client.
// It accepts users, sessions and events, enriches them through pluggable
// transformers, queues them in a local data store and uploads them to a
// collector in the order they were recorded.
//
// Service composes the pieces: New reads Config, builds the data store
// engine it names, and wires the transform pipeline and the uploader. Writes
// go through the Service (CreateNewUserIfNeeded, CreateSessionIfNeeded,
// InsertPendingMessage, ...) and are committed in submission order even when
// transformers finish out of order. Start schedules uploads; Close flushes
// and releases everything.
//
// # Data stores
//
// Two engines register themselves with DefaultDataStoreRegistry:
//   - sqlite: durable queue in a single SQLite file (the default)
//   - memory: process-local maps, useful for tests and short-lived tools
//
// Custom engines implement DataStore and register a DataStoreBuilder under
// their own name; datastore/datastoretest holds the contract suite every
// engine is expected to pass.
//
// # Transformers
//
// A Transformer receives a copy of each message's Transformable and calls
// complete with the enriched value. A transformer that misses its timeout
// is skipped for that message and the commit continues without it.
//
// # Uploads
//
// Each upload cycle prunes stale local data, snapshots every user with
// outstanding work (the active user and session first) and sends the
// initial user record, identity, user properties and message batches.
// A bad request is final for that payload; any other failure ends the
// cycle and backs off. UploadHooks observe cycles and individual requests,
// and the service exposes Prometheus metrics and a JSON /status endpoint
// when Config.MetricsEnabled is set.
package heapflow
