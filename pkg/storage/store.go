package storage

import "errors"

var (
	// ErrNoSuchBucket is returned for operations on a missing bucket
	ErrNoSuchBucket = errors.New("no such bucket")

	// ErrNoSuchKey is returned when a key does not exist in its bucket
	ErrNoSuchKey = errors.New("no such key")
)

const (
	// PermissionRead grants read access to a key or bucket
	PermissionRead = "READ"

	// AllUsers is the grantee used for public grants
	AllUsers = "AllUsers"
)

// Grant is one access control entry
type Grant struct {
	Grantee    string `json:"grantee"`
	Permission string `json:"permission"`
}

// ListResult holds the keys and common prefixes under a listing prefix.
// Keys sharing a segment up to the delimiter are rolled into CommonPrefixes.
type ListResult struct {
	Keys           []string
	CommonPrefixes []string
}

// Store defines the object-store capability used to persist cluster
// configuration and share clusters
type Store interface {
	// Buckets
	BucketExists(bucket string) (bool, error)
	CreateBucket(bucket string) error
	DeleteBucket(bucket string) error
	ListKeys(bucket, prefix, delimiter string) (ListResult, error)

	// Keys
	Get(bucket, key string) ([]byte, error)
	Put(bucket, key string, data []byte) error
	Copy(srcBucket, srcKey, dstBucket, dstKey string) error
	Delete(bucket, key string) error

	// Access control
	GrantKeyRead(bucket, key string, userIDs []string) error
	MakeKeyPublic(bucket, key string) error
	GrantBucketRead(bucket string, userIDs []string) error
	MakeBucketPublic(bucket string) error
	KeyGrants(bucket, key string) ([]Grant, error)
	BucketGrants(bucket string) ([]Grant, error)

	// Metadata
	GetMetadata(bucket, key, name string) (string, error)
	SetMetadata(bucket, key, name, value string) error

	// Utility
	Close() error
}
