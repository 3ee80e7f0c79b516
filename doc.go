// Package autoupdate implements an incremental, multi-tenant element cache
// with a monotonically ordered change feed.
//
// Every domain object ("element") is cached in its serialized form, keyed by
// "<collection>:<id>". Each committed batch of changes is stamped with a
// strictly increasing change id, so disconnected clients can resynchronize
// from any point at or above the retained floor. Per-user restricted views
// are derived lazily from the full data through per-collection restriction
// functions and advanced incrementally.
//
// Components:
//   - provider.Provider: storage backend (Redis for multi-process
//     deployments, in-memory for tests and single instances).
//   - Cachable: one per domain collection; loads elements from the system
//     of record and restricts them per user.
//   - Codec: (de)serializes element payloads (JSON by default).
//   - Bundle: batches the mutations of one unit of work into one commit.
//   - ws.Server: the websocket sync/broadcast protocol on top of the cache.
//
// Storage layout (shared backend):
//
//	full_data               "<collection>:<id>" -> payload
//	restricted_data:<uid>   same shape, plus "_config:change_id"
//	change_id               element key -> change id, plus
//	                        "_config:lowest_change_id"
//	lock_<name>             recomputation locks
package autoupdate
