package resume

import (
	"encoding/hex"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketName = []byte("torrents")

// BoltStore keeps records in a single bbolt database file.
type BoltStore struct {
	db *bolt.DB
}

var _ Store = (*BoltStore)(nil)

// OpenBoltStore opens or creates the database at path.
func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0640, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err2 := tx.CreateBucketIfNotExists(bucketName)
		return err2
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

func boltKey(infoHash [20]byte) []byte {
	return []byte(hex.EncodeToString(infoHash[:]))
}

// Write saves r in a single transaction.
func (s *BoltStore) Write(r *Record) error {
	b, err := Encode(r)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Put(boltKey(r.InfoHash), b)
	})
}

// Read returns the record of the torrent or ErrNotFound.
func (s *BoltStore) Read(infoHash [20]byte) (*Record, error) {
	var r *Record
	err := s.db.View(func(tx *bolt.Tx) error {
		value := tx.Bucket(bucketName).Get(boltKey(infoHash))
		if value == nil {
			return ErrNotFound
		}
		var err error
		// value is only valid during the transaction.
		r, err = Decode(append([]byte(nil), value...))
		return err
	})
	return r, err
}

// Delete removes the record of the torrent.
func (s *BoltStore) Delete(infoHash [20]byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Delete(boltKey(infoHash))
	})
}

// List returns all records in the database.
func (s *BoltStore) List() ([]*Record, error) {
	var records []*Record
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).ForEach(func(k, v []byte) error {
			r, err := Decode(append([]byte(nil), v...))
			if err != nil {
				return &DecodeError{Key: string(k), Err: err}
			}
			records = append(records, r)
			return nil
		})
	})
	return records, err
}

// Close closes the database file.
func (s *BoltStore) Close() error {
	return s.db.Close()
}
