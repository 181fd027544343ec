package mustela

// bucketKey builds the meta-bucket registry key for a named bucket: the
// bucket_prefix byte followed by the bucket's name.
func bucketKey(name string) []byte {
	k := make([]byte, 1+len(name))
	k[0] = bucketPrefix
	copy(k[1:], name)
	return k
}

func decodeBucketName(key []byte) (string, bool) {
	if len(key) == 0 || key[0] != bucketPrefix {
		return "", false
	}
	return string(key[1:]), true
}

// Bucket is a handle to one named B+tree within the database. All of its
// methods run against the Txn that created it and are only valid while
// that transaction is open.
//
// Grounded on original_source/include/mustela/tx.cpp (TX::get_bucket_names,
// TX::drop_bucket, TX::load_bucket_desc) for registry semantics.
type Bucket struct {
	tx   *Txn
	name string
}

// Bucket opens an existing bucket by name.
func (tx *Txn) Bucket(name string) (*Bucket, error) {
	if _, ok := tx.bucketDesc(name); !ok {
		return nil, ErrBucketNotFound
	}
	return &Bucket{tx: tx, name: name}, nil
}

// CreateBucket creates a new, empty bucket. It fails if a bucket with
// this name already exists.
func (tx *Txn) CreateBucket(name string) (*Bucket, error) {
	if !tx.writable {
		return nil, ErrReadOnlyTx
	}
	if len(name) > tx.db.MaxBucketNameSize() {
		return nil, ErrBucketNameSize
	}
	if _, ok := tx.bucketDesc(name); ok {
		return nil, ErrBucketExists
	}
	tx.setBucketDesc(name, BucketDesc{RootPage: invalidPgno})
	return &Bucket{tx: tx, name: name}, nil
}

// CreateBucketIfNotExists opens name, creating it first if necessary.
func (tx *Txn) CreateBucketIfNotExists(name string) (*Bucket, error) {
	if b, err := tx.Bucket(name); err == nil {
		return b, nil
	}
	return tx.CreateBucket(name)
}

// DropBucket deletes every key in the named bucket and removes it from
// the registry. Grounded on TX::drop_bucket: delete via cursor until
// empty, then free the (now single, empty) root page and erase the
// registry entry.
func (tx *Txn) DropBucket(name string) error {
	if !tx.writable {
		return ErrReadOnlyTx
	}
	desc, ok := tx.bucketDesc(name)
	if !ok {
		return ErrBucketNotFound
	}
	for desc.RootPage != invalidPgno {
		c := newCursor(tx, &desc)
		k, _, ok := c.First()
		if !ok {
			break
		}
		if _, err := tx.treeDelete(&desc, k); err != nil {
			return err
		}
	}
	if desc.RootPage != invalidPgno {
		tx.freelist.markFree(desc.RootPage)
	}
	tx.deleteBucketDesc(name)
	return nil
}

// BucketNames returns every bucket name currently registered.
func (tx *Txn) BucketNames() []string {
	var names []string
	store := metaBucketStore{tx: tx}
	store.ascend([]byte{bucketPrefix}, func(key, value []byte) bool {
		name, ok := decodeBucketName(key)
		if !ok {
			return false
		}
		names = append(names, name)
		return true
	})
	return names
}

// bucketDesc loads a bucket's descriptor, checking this transaction's
// dirty set first so a create/drop earlier in the same transaction is
// visible to a later lookup.
func (tx *Txn) bucketDesc(name string) (BucketDesc, bool) {
	if tx.buckets != nil {
		if d, ok := tx.buckets[name]; ok {
			return *d, true
		}
	}
	buf, ok := metaBucketStore{tx: tx}.get(bucketKey(name))
	if !ok {
		return BucketDesc{}, false
	}
	return unmarshalBucketDesc(buf), true
}

func (tx *Txn) setBucketDesc(name string, d BucketDesc) {
	if tx.buckets == nil {
		tx.buckets = make(map[string]*BucketDesc)
	}
	dd := d
	tx.buckets[name] = &dd
}

func (tx *Txn) deleteBucketDesc(name string) {
	if tx.buckets != nil {
		delete(tx.buckets, name)
	}
	metaBucketStore{tx: tx}.del(bucketKey(name))
}

// descPtr returns the live, mutable descriptor backing b, loading it from
// the registry into the transaction's dirty set on first touch.
func (b *Bucket) descPtr() *BucketDesc {
	if b.tx.buckets != nil {
		if d, ok := b.tx.buckets[b.name]; ok {
			return d
		}
	}
	d, _ := b.tx.bucketDesc(b.name)
	b.tx.setBucketDesc(b.name, d)
	return b.tx.buckets[b.name]
}

// Get returns the value stored for key, if any.
func (b *Bucket) Get(key []byte) ([]byte, bool) {
	return b.tx.treeGet(b.descPtr(), key)
}

// Put stores value under key, overwriting any existing value.
func (b *Bucket) Put(key, value []byte) error {
	if !b.tx.writable {
		return ErrReadOnlyTx
	}
	if len(key) > b.tx.db.MaxKeySize() {
		return ErrKeyTooLarge
	}
	return b.tx.treeInsert(b.descPtr(), key, value)
}

// Delete removes key, if present.
func (b *Bucket) Delete(key []byte) error {
	if !b.tx.writable {
		return ErrReadOnlyTx
	}
	_, err := b.tx.treeDelete(b.descPtr(), key)
	return err
}

// Count returns the number of keys in the bucket.
func (b *Bucket) Count() uint64 { return b.descPtr().Count }

// Cursor returns a new cursor over the bucket's keys.
func (b *Bucket) Cursor() *Cursor { return newCursor(b.tx, b.descPtr()) }
