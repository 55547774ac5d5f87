/*
Package store is the in-memory game registry. It keys artifacts by id,
replaces on re-add, and memoizes format conversions per (game, target)
pair.

Conversion calls plugin HTTP endpoints and therefore runs outside the
store lock. A per-id generation counter guards the cache: Add and Remove
bump it, and a finished conversion is only cached when the counter still
matches the value read before the lock was dropped. A conversion raced by
a replacement is returned to its caller but never cached.
*/
package store
