// Package mustela implements an embedded, single-file, transactional
// key-value store: a copy-on-write B+tree over a memory-mapped file, one
// writer and many concurrent readers, named buckets, and cursors over
// each bucket's key space.
//
// A database is a single *DB, opened with Open. Transactions are begun
// with DB.Begin, or run via the DB.View/DB.Update helpers. Keys live in
// named Buckets, created with Txn.CreateBucket and opened with
// Txn.Bucket.
package mustela
