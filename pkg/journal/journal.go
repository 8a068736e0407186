// Package journal persists executed transactions for later inspection.
//
// Each transaction result is stored once, keyed by its id, as
// zstd-compressed JSON. A secondary index maps every address a transaction
// touched to the transactions that touched it, newest first. Every Open
// starts a new run; records carry the id of the run that wrote them.
package journal

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	bolt "go.etcd.io/bbolt"

	"github.com/fortiblox/X1-Siphon/internal/types"
	"github.com/fortiblox/X1-Siphon/pkg/bank"
)

var (
	// ErrRecordNotFound is returned when no record has the requested id.
	ErrRecordNotFound = errors.New("record not found")

	// ErrClosed is returned when operating on a closed journal.
	ErrClosed = errors.New("journal closed")
)

// Bucket names.
var (
	// bucketTxs stores records keyed by transaction id.
	bucketTxs = []byte("txs")

	// bucketAddrTxs indexes transaction ids by address+slot+id.
	bucketAddrTxs = []byte("addr_txs")

	// bucketMeta stores journal metadata.
	bucketMeta = []byte("meta")
)

// Metadata keys.
var (
	keyRecordCount = []byte("record_count")
	keyLatestSlot  = []byte("latest_slot")
	keyLastRun     = []byte("last_run")
)

// DefaultQueryLimit bounds ByAddress when no limit is given.
const DefaultQueryLimit = 1000

// Config holds journal options.
type Config struct {
	// Path is the database file.
	Path string

	// NoSync disables fsync after each write.
	NoSync bool
}

// DefaultConfig returns the default configuration for path.
func DefaultConfig(path string) Config {
	return Config{Path: path}
}

// Journal is a bbolt-backed transaction journal. It implements
// bank.Recorder.
type Journal struct {
	db    *bolt.DB
	runID string

	enc *zstd.Encoder
	dec *zstd.Decoder

	mu     sync.RWMutex
	count  uint64
	latest uint64
	closed bool
}

var _ bank.Recorder = (*Journal)(nil)

// Open creates or opens the journal at cfg.Path and starts a new run.
func Open(cfg Config) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	db, err := bolt.Open(cfg.Path, 0600, &bolt.Options{
		Timeout: 5 * time.Second,
		NoSync:  cfg.NoSync,
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		db.Close()
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}

	j := &Journal{
		db:    db,
		runID: uuid.NewString(),
		enc:   enc,
		dec:   dec,
	}
	if err := j.init(); err != nil {
		j.Close()
		return nil, err
	}
	return j, nil
}

// init creates the buckets, loads the counters and stamps the run.
func (j *Journal) init() error {
	return j.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketTxs, bucketAddrTxs, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		meta := tx.Bucket(bucketMeta)
		if v := meta.Get(keyRecordCount); v != nil {
			j.count = binary.BigEndian.Uint64(v)
		}
		if v := meta.Get(keyLatestSlot); v != nil {
			j.latest = binary.BigEndian.Uint64(v)
		}
		return meta.Put(keyLastRun, []byte(j.runID))
	})
}

// RunID returns the id stamped on records written by this handle.
func (j *Journal) RunID() string {
	return j.runID
}

// Record journals one bank result.
func (j *Journal) Record(tx *bank.Transaction, res *bank.Result) error {
	return j.Put(NewRecord(j.runID, tx, res))
}

// Put stores rec and indexes it under every address it touches. Storing
// the same id twice replaces the record without counting it again.
func (j *Journal) Put(rec *Record) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrClosed
	}

	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	value := j.enc.EncodeAll(raw, nil)

	var added bool
	err = j.db.Update(func(tx *bolt.Tx) error {
		txs := tx.Bucket(bucketTxs)
		added = txs.Get(rec.ID[:]) == nil
		if err := txs.Put(rec.ID[:], value); err != nil {
			return err
		}

		idx := tx.Bucket(bucketAddrTxs)
		for _, addr := range rec.addresses() {
			if err := idx.Put(addressKey(addr, rec.Slot, rec.ID), rec.ID[:]); err != nil {
				return err
			}
		}

		meta := tx.Bucket(bucketMeta)
		count := j.count
		if added {
			count++
		}
		if err := meta.Put(keyRecordCount, encodeUint64(count)); err != nil {
			return err
		}
		if rec.Slot > j.latest {
			return meta.Put(keyLatestSlot, encodeUint64(rec.Slot))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("put record %s: %w", rec.ID.Hex(), err)
	}

	if added {
		j.count++
	}
	if rec.Slot > j.latest {
		j.latest = rec.Slot
	}
	return nil
}

// Get returns the record with id.
func (j *Journal) Get(id types.Hash) (*Record, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return nil, ErrClosed
	}

	var rec *Record
	err := j.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketTxs).Get(id[:])
		if v == nil {
			return ErrRecordNotFound
		}
		var err error
		rec, err = j.decode(v)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// ByAddress returns up to limit records touching addr, newest first.
func (j *Journal) ByAddress(addr types.Pubkey, limit int) ([]*Record, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return nil, ErrClosed
	}
	if limit <= 0 {
		limit = DefaultQueryLimit
	}

	var out []*Record
	err := j.db.View(func(tx *bolt.Tx) error {
		txs := tx.Bucket(bucketTxs)
		c := tx.Bucket(bucketAddrTxs).Cursor()

		prefix := addr[:]
		start := make([]byte, len(prefix)+8+types.HashSize)
		copy(start, prefix)
		for i := len(prefix); i < len(start); i++ {
			start[i] = 0xFF
		}

		// Seek lands past the prefix; step back into it.
		k, v := c.Seek(start)
		if k == nil || !bytes.HasPrefix(k, prefix) {
			k, v = c.Prev()
		}
		for ; k != nil && bytes.HasPrefix(k, prefix); k, v = c.Prev() {
			data := txs.Get(v)
			if data == nil {
				continue
			}
			rec, err := j.decode(data)
			if err != nil {
				return err
			}
			out = append(out, rec)
			if len(out) >= limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Each calls fn for every record in id order until fn returns an error.
func (j *Journal) Each(fn func(*Record) error) error {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return ErrClosed
	}
	return j.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTxs).ForEach(func(_, v []byte) error {
			rec, err := j.decode(v)
			if err != nil {
				return err
			}
			return fn(rec)
		})
	})
}

// Count returns the number of stored records.
func (j *Journal) Count() uint64 {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.count
}

// LatestSlot returns the highest slot recorded.
func (j *Journal) LatestSlot() uint64 {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.latest
}

// Close closes the database. It is safe to call more than once.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	j.enc.Close()
	j.dec.Close()
	return j.db.Close()
}

func (j *Journal) decode(v []byte) (*Record, error) {
	raw, err := j.dec.DecodeAll(v, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress record: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return &rec, nil
}

// addressKey is address (32) | slot (8, big endian) | id (32), so a
// cursor walks one address in slot order.
func addressKey(addr types.Pubkey, slot uint64, id types.Hash) []byte {
	key := make([]byte, 0, 32+8+types.HashSize)
	key = append(key, addr[:]...)
	key = binary.BigEndian.AppendUint64(key, slot)
	return append(key, id[:]...)
}

func encodeUint64(v uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, v)
}
