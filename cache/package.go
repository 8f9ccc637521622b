/*
Package cache holds named buckets of response snapshots. A bucket maps a
request identity (method and request URI) to the snapshot of the response that
was stored for it.

Buckets are versioned by name. Nothing in a bucket expires by time; a bucket
is superseded as a whole when a worker with a different version activates and
deletes it.

Four stores implement Storage: an in-process map, memcached, S3 compatible
object storage and PostgreSQL. Individual reads and writes are atomic per key
in every store, nothing more is promised.
*/
package cache
