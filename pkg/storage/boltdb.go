package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	bolt "go.etcd.io/bbolt"
)

var (
	// Sub-bucket names inside each object-store bucket
	bucketObjects  = []byte("objects")
	bucketKeyACL   = []byte("acl")
	bucketMetadata = []byte("meta")
	bucketPolicy   = []byte("policy")

	keyBucketGrants = []byte("grants")
)

// BoltStore implements Store on a local BoltDB file. Each object-store
// bucket is a top-level bolt bucket holding objects, per-key grants,
// per-key metadata and the bucket policy.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) objects.db under dataDir, creating the
// directory on a fresh node
func NewBoltStore(dataDir string) (*BoltStore, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	dbPath := filepath.Join(dataDir, "objects.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Bucket operations
func (s *BoltStore) BucketExists(bucket string) (bool, error) {
	exists := false
	err := s.db.View(func(tx *bolt.Tx) error {
		exists = tx.Bucket([]byte(bucket)) != nil
		return nil
	})
	return exists, err
}

func (s *BoltStore) CreateBucket(bucket string) error {
	if bucket == "" {
		return fmt.Errorf("bucket name is required")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(bucket))
		if err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
		}
		for _, sub := range [][]byte{bucketObjects, bucketKeyACL, bucketMetadata, bucketPolicy} {
			if _, err := b.CreateBucketIfNotExists(sub); err != nil {
				return fmt.Errorf("failed to create %s in bucket %s: %w", sub, bucket, err)
			}
		}
		return nil
	})
}

// DeleteBucket removes an empty bucket
func (s *BoltStore) DeleteBucket(bucket string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("%s: %w", bucket, ErrNoSuchBucket)
		}
		if k, _ := b.Bucket(bucketObjects).Cursor().First(); k != nil {
			return fmt.Errorf("bucket %s is not empty", bucket)
		}
		return tx.DeleteBucket([]byte(bucket))
	})
}

func (s *BoltStore) ListKeys(bucket, prefix, delimiter string) (ListResult, error) {
	var res ListResult
	err := s.db.View(func(tx *bolt.Tx) error {
		objects, err := sub(tx, bucket, bucketObjects)
		if err != nil {
			return err
		}
		seen := make(map[string]bool)
		c := objects.Cursor()
		for k, _ := c.Seek([]byte(prefix)); k != nil && strings.HasPrefix(string(k), prefix); k, _ = c.Next() {
			key := string(k)
			if delimiter != "" {
				rest := key[len(prefix):]
				if i := strings.Index(rest, delimiter); i >= 0 {
					cp := prefix + rest[:i+len(delimiter)]
					if !seen[cp] {
						seen[cp] = true
						res.CommonPrefixes = append(res.CommonPrefixes, cp)
					}
					continue
				}
			}
			res.Keys = append(res.Keys, key)
		}
		return nil
	})
	return res, err
}

// Key operations
func (s *BoltStore) Get(bucket, key string) ([]byte, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		objects, err := sub(tx, bucket, bucketObjects)
		if err != nil {
			return err
		}
		v := objects.Get([]byte(key))
		if v == nil {
			return fmt.Errorf("%s/%s: %w", bucket, key, ErrNoSuchKey)
		}
		data = append([]byte(nil), v...)
		return nil
	})
	return data, err
}

func (s *BoltStore) Put(bucket, key string, data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		objects, err := sub(tx, bucket, bucketObjects)
		if err != nil {
			return err
		}
		return objects.Put([]byte(key), data)
	})
}

// Copy duplicates a key and its metadata; grants are not copied
func (s *BoltStore) Copy(srcBucket, srcKey, dstBucket, dstKey string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		src, err := sub(tx, srcBucket, bucketObjects)
		if err != nil {
			return err
		}
		data := src.Get([]byte(srcKey))
		if data == nil {
			return fmt.Errorf("%s/%s: %w", srcBucket, srcKey, ErrNoSuchKey)
		}
		dst, err := sub(tx, dstBucket, bucketObjects)
		if err != nil {
			return err
		}
		if err := dst.Put([]byte(dstKey), append([]byte(nil), data...)); err != nil {
			return err
		}

		srcMeta, _ := sub(tx, srcBucket, bucketMetadata)
		dstMeta, _ := sub(tx, dstBucket, bucketMetadata)
		if m := srcMeta.Get([]byte(srcKey)); m != nil {
			return dstMeta.Put([]byte(dstKey), append([]byte(nil), m...))
		}
		return nil
	})
}

func (s *BoltStore) Delete(bucket, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("%s: %w", bucket, ErrNoSuchBucket)
		}
		for _, name := range [][]byte{bucketObjects, bucketKeyACL, bucketMetadata} {
			if err := b.Bucket(name).Delete([]byte(key)); err != nil {
				return err
			}
		}
		return nil
	})
}

// Access control operations
func (s *BoltStore) GrantKeyRead(bucket, key string, userIDs []string) error {
	return s.addKeyGrants(bucket, key, userIDs)
}

func (s *BoltStore) MakeKeyPublic(bucket, key string) error {
	return s.addKeyGrants(bucket, key, []string{AllUsers})
}

func (s *BoltStore) GrantBucketRead(bucket string, userIDs []string) error {
	return s.addBucketGrants(bucket, userIDs)
}

func (s *BoltStore) MakeBucketPublic(bucket string) error {
	return s.addBucketGrants(bucket, []string{AllUsers})
}

func (s *BoltStore) KeyGrants(bucket, key string) ([]Grant, error) {
	var grants []Grant
	err := s.db.View(func(tx *bolt.Tx) error {
		acl, err := sub(tx, bucket, bucketKeyACL)
		if err != nil {
			return err
		}
		grants, err = decodeGrants(acl.Get([]byte(key)))
		return err
	})
	return grants, err
}

func (s *BoltStore) BucketGrants(bucket string) ([]Grant, error) {
	var grants []Grant
	err := s.db.View(func(tx *bolt.Tx) error {
		policy, err := sub(tx, bucket, bucketPolicy)
		if err != nil {
			return err
		}
		grants, err = decodeGrants(policy.Get(keyBucketGrants))
		return err
	})
	return grants, err
}

func (s *BoltStore) addKeyGrants(bucket, key string, userIDs []string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		objects, err := sub(tx, bucket, bucketObjects)
		if err != nil {
			return err
		}
		if objects.Get([]byte(key)) == nil {
			return fmt.Errorf("%s/%s: %w", bucket, key, ErrNoSuchKey)
		}
		acl, _ := sub(tx, bucket, bucketKeyACL)
		return mergeGrants(acl, []byte(key), userIDs)
	})
}

func (s *BoltStore) addBucketGrants(bucket string, userIDs []string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		policy, err := sub(tx, bucket, bucketPolicy)
		if err != nil {
			return err
		}
		return mergeGrants(policy, keyBucketGrants, userIDs)
	})
}

// Metadata operations
func (s *BoltStore) GetMetadata(bucket, key, name string) (string, error) {
	var value string
	err := s.db.View(func(tx *bolt.Tx) error {
		objects, err := sub(tx, bucket, bucketObjects)
		if err != nil {
			return err
		}
		if objects.Get([]byte(key)) == nil {
			return fmt.Errorf("%s/%s: %w", bucket, key, ErrNoSuchKey)
		}
		meta, _ := sub(tx, bucket, bucketMetadata)
		m, err := decodeMetadata(meta.Get([]byte(key)))
		if err != nil {
			return err
		}
		value = m[name]
		return nil
	})
	return value, err
}

func (s *BoltStore) SetMetadata(bucket, key, name, value string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		objects, err := sub(tx, bucket, bucketObjects)
		if err != nil {
			return err
		}
		if objects.Get([]byte(key)) == nil {
			return fmt.Errorf("%s/%s: %w", bucket, key, ErrNoSuchKey)
		}
		meta, _ := sub(tx, bucket, bucketMetadata)
		m, err := decodeMetadata(meta.Get([]byte(key)))
		if err != nil {
			return err
		}
		m[name] = value
		data, err := json.Marshal(m)
		if err != nil {
			return err
		}
		return meta.Put([]byte(key), data)
	})
}

// sub returns a named sub-bucket of an object-store bucket
func sub(tx *bolt.Tx, bucket string, name []byte) (*bolt.Bucket, error) {
	b := tx.Bucket([]byte(bucket))
	if b == nil {
		return nil, fmt.Errorf("%s: %w", bucket, ErrNoSuchBucket)
	}
	return b.Bucket(name), nil
}

func mergeGrants(b *bolt.Bucket, key []byte, userIDs []string) error {
	grants, err := decodeGrants(b.Get(key))
	if err != nil {
		return err
	}
	have := make(map[string]bool, len(grants))
	for _, g := range grants {
		have[g.Grantee] = true
	}
	for _, id := range userIDs {
		if id == "" || have[id] {
			continue
		}
		have[id] = true
		grants = append(grants, Grant{Grantee: id, Permission: PermissionRead})
	}
	sort.Slice(grants, func(i, j int) bool { return grants[i].Grantee < grants[j].Grantee })
	data, err := json.Marshal(grants)
	if err != nil {
		return err
	}
	return b.Put(key, data)
}

func decodeGrants(data []byte) ([]Grant, error) {
	if data == nil {
		return nil, nil
	}
	var grants []Grant
	if err := json.Unmarshal(data, &grants); err != nil {
		return nil, fmt.Errorf("corrupt grant list: %w", err)
	}
	return grants, nil
}

func decodeMetadata(data []byte) (map[string]string, error) {
	m := make(map[string]string)
	if data == nil {
		return m, nil
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("corrupt metadata: %w", err)
	}
	return m, nil
}

var _ Store = (*BoltStore)(nil)
