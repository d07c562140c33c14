// Package cache implements the policy decision cache: a bounded, sharded
// key/value store combining lazy TTL expiry with least-recently-used
// eviction.
//
// Reads take a shard read lock and bump the entry's last access time
// atomically, so concurrent readers of the same key do not serialise.
// Capacity is enforced with a global slot counter: an insert reserves a slot
// before publishing its entry, and when no slot is free the cache first
// sweeps expired entries and then evicts the entry with the oldest last
// access, ties going to the oldest insertion.
package cache
