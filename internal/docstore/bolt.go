package docstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketDocs      = []byte("docs")      // key -> JSON-encoded docRecord
	bucketBySeqno   = []byte("by_seqno")  // 8-byte bySeqno -> key (index for ScanBySeqno)
	bucketMeta      = []byte("meta")      // fixed keys: "last_seqno", "partition_state"
	keyLastSeqno    = []byte("last_seqno")
	keyPartState    = []byte("partition_state")
)

// docRecord is the on-disk envelope stored under bucketDocs, JSON-encoded:
// the metadata blob, the value bytes, both seqnos and a Deleted flag that
// marks a tombstone.
type docRecord struct {
	Meta     []byte
	Value    []byte
	BySeqno  int64
	RevSeqno uint64
	Deleted  bool
}

// BoltStore is a DocStore backed by a single bbolt file per partition.
type BoltStore struct {
	db *bolt.DB
}

// OpenBolt opens (creating if absent) the bbolt file for one partition
// under dataDir, named by vbid.
func OpenBolt(dataDir string, vbid uint16) (*BoltStore, error) {
	path := filepath.Join(dataDir, fmt.Sprintf("vb-%d.db", vbid))
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("docstore: open %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketDocs, bucketBySeqno, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("docstore: create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error { return s.db.Close() }

func encodeDocRecord(r docRecord) []byte {
	buf, _ := json.Marshal(struct {
		Meta     []byte `json:"meta"`
		Value    []byte `json:"value,omitempty"`
		BySeqno  int64  `json:"by_seqno"`
		RevSeqno uint64 `json:"rev_seqno"`
		Deleted  bool   `json:"deleted,omitempty"`
	}{r.Meta, r.Value, r.BySeqno, r.RevSeqno, r.Deleted})
	return buf
}

func decodeDocRecord(buf []byte) (docRecord, error) {
	var wire struct {
		Meta     []byte `json:"meta"`
		Value    []byte `json:"value,omitempty"`
		BySeqno  int64  `json:"by_seqno"`
		RevSeqno uint64 `json:"rev_seqno"`
		Deleted  bool   `json:"deleted,omitempty"`
	}
	if err := json.Unmarshal(buf, &wire); err != nil {
		return docRecord{}, err
	}
	return docRecord{Meta: wire.Meta, Value: wire.Value, BySeqno: wire.BySeqno, RevSeqno: wire.RevSeqno, Deleted: wire.Deleted}, nil
}

func seqnoKey(seqno int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(seqno))
	return buf
}

func (s *BoltStore) Get(ctx context.Context, key []byte) (Record, error) {
	var rec Record
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketDocs).Get(key)
		if data == nil {
			return ErrNotFound
		}
		dr, err := decodeDocRecord(data)
		if err != nil {
			return err
		}
		meta, err := DecodeMetadata(dr.Meta)
		if err != nil {
			return err
		}
		rec = Record{Key: append([]byte(nil), key...), Value: dr.Value, Meta: meta, BySeqno: dr.BySeqno, RevSeqno: dr.RevSeqno, Deleted: dr.Deleted}
		return nil
	})
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}

// boltBatch stages writes to apply inside a single Update transaction.
type boltBatch struct {
	puts    []Record
	deletes []Record
}

func (s *BoltStore) NewBatch() Batch { return &boltBatch{} }

func (s *BoltStore) Put(batch Batch, rec Record) error {
	b := batch.(*boltBatch)
	b.puts = append(b.puts, rec)
	return nil
}

func (s *BoltStore) Delete(batch Batch, key []byte, rec Record) error {
	b := batch.(*boltBatch)
	rec.Key = key
	rec.Deleted = true
	rec.Value = nil
	b.deletes = append(b.deletes, rec)
	return nil
}

func (s *BoltStore) Commit(ctx context.Context, batch Batch, lastSeqno int64) error {
	b := batch.(*boltBatch)
	return s.db.Update(func(tx *bolt.Tx) error {
		docs := tx.Bucket(bucketDocs)
		bySeqno := tx.Bucket(bucketBySeqno)
		meta := tx.Bucket(bucketMeta)

		for _, rec := range append(append([]Record(nil), b.puts...), b.deletes...) {
			dr := docRecord{
				Meta:     EncodeMetadata(rec.Meta),
				Value:    rec.Value,
				BySeqno:  rec.BySeqno,
				RevSeqno: rec.RevSeqno,
				Deleted:  rec.Deleted,
			}
			if err := docs.Put(rec.Key, encodeDocRecord(dr)); err != nil {
				return err
			}
			if err := bySeqno.Put(seqnoKey(rec.BySeqno), rec.Key); err != nil {
				return err
			}
		}

		lastBuf := make([]byte, 8)
		binary.BigEndian.PutUint64(lastBuf, uint64(lastSeqno))
		return meta.Put(keyLastSeqno, lastBuf)
	})
}

func (s *BoltStore) ScanBySeqno(ctx context.Context, from, to int64, fn func(Record) bool) error {
	return s.db.View(func(tx *bolt.Tx) error {
		bySeqno := tx.Bucket(bucketBySeqno)
		docs := tx.Bucket(bucketDocs)
		c := bySeqno.Cursor()
		for k, v := c.Seek(seqnoKey(from)); k != nil; k, v = c.Next() {
			seqno := int64(binary.BigEndian.Uint64(k))
			if seqno >= to {
				break
			}
			data := docs.Get(v)
			if data == nil {
				continue
			}
			dr, err := decodeDocRecord(data)
			if err != nil {
				return err
			}
			if dr.BySeqno != seqno {
				continue // stale index entry: the key was rewritten at a later seqno
			}
			metadata, err := DecodeMetadata(dr.Meta)
			if err != nil {
				return err
			}
			rec := Record{Key: append([]byte(nil), v...), Value: dr.Value, Meta: metadata, BySeqno: dr.BySeqno, RevSeqno: dr.RevSeqno, Deleted: dr.Deleted}
			if !fn(rec) {
				break
			}
		}
		return nil
	})
}

func (s *BoltStore) LastPersistedSeqno(ctx context.Context) (int64, error) {
	var seqno int64
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketMeta).Get(keyLastSeqno)
		if data == nil {
			seqno = 0
			return nil
		}
		seqno = int64(binary.BigEndian.Uint64(data))
		return nil
	})
	return seqno, err
}

func (s *BoltStore) PutPartitionState(ctx context.Context, state PartitionState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeta).Put(keyPartState, data)
	})
}

func (s *BoltStore) GetPartitionState(ctx context.Context) (PartitionState, bool, error) {
	var state PartitionState
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketMeta).Get(keyPartState)
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &state)
	})
	return state, found, err
}

var _ DocStore = (*BoltStore)(nil)
