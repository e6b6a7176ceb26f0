// Package storage is the object store that holds each cluster's bucket:
// the persisted configuration document, shared cluster snapshots and the
// files copied along with them. Store is the capability the manager uses;
// BoltStore implements it on a local bbolt database with one bolt bucket
// per object bucket and separate sub-buckets for grants and metadata.
package storage
