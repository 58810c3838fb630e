package collab

import (
	"encoding/json"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/coedit/collab/protocol"
)

// Journal persists pending operations so unacknowledged local edits
// survive a restart. One bucket per document id, keyed by operation
// id. Operation ids are ulids, so key order is generation order.
type Journal struct {
	db *bolt.DB
}

func OpenJournal(path string) (*Journal, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, err
	}
	return &Journal{
		db: db,
	}, nil
}

func (self *Journal) Append(documentId string, op *protocol.Operation) error {
	return self.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists([]byte(documentId))
		if err != nil {
			return err
		}
		value, err := json.Marshal(op)
		if err != nil {
			return err
		}
		return bucket.Put(op.Id.Bytes(), value)
	})
}

func (self *Journal) Remove(documentId string, opId protocol.Id) error {
	return self.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(documentId))
		if bucket == nil {
			return nil
		}
		return bucket.Delete(opId.Bytes())
	})
}

// Pending returns the journaled operations in generation order.
func (self *Journal) Pending(documentId string) ([]*protocol.Operation, error) {
	ops := []*protocol.Operation{}
	err := self.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(documentId))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k []byte, v []byte) error {
			op := &protocol.Operation{}
			if err := json.Unmarshal(v, op); err != nil {
				return err
			}
			ops = append(ops, op)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return ops, nil
}

func (self *Journal) Clear(documentId string) error {
	return self.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket([]byte(documentId)) == nil {
			return nil
		}
		return tx.DeleteBucket([]byte(documentId))
	})
}

func (self *Journal) Close() error {
	return self.db.Close()
}
