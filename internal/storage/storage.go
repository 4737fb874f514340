package storage

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/badger/v4"
	"github.com/klauspost/compress/zstd"

	"github.com/hailam/simdconv/internal/layer"
	"github.com/hailam/simdconv/internal/smiv"
	"github.com/hailam/simdconv/internal/tensor"
)

// Storage keys
const (
	keyPreferences = "preferences"
	runPrefix      = "run/"
	metaSuffix     = "/meta"
	resultSuffix   = "/result"
)

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("storage: not found")

// Preferences stores defaults shared by the CLI and the viewer.
type Preferences struct {
	LastConfig string    `json:"last_config"`
	Seed       int64     `json:"seed"`
	Tolerance  float64   `json:"tolerance"`
	ShowTrace  bool      `json:"show_trace"`
	LastRunID  string    `json:"last_run_id"`
	LastOpened time.Time `json:"last_opened"`
}

// DefaultPreferences returns default preferences
func DefaultPreferences() *Preferences {
	return &Preferences{
		Seed:       1,
		Tolerance:  1e-4,
		ShowTrace:  true,
		LastOpened: time.Now(),
	}
}

// Run is one recorded datapath invocation.
type Run struct {
	ID         string       `json:"id"`
	Config     layer.Config `json:"config"`
	Image      int          `json:"image"`
	Kernel     int          `json:"kernel"`
	Channel    int          `json:"channel"`
	Stats      smiv.Stats   `json:"stats"`
	Verified   bool         `json:"verified"`
	MaxAbsDiff float64      `json:"max_abs_diff"`
	CreatedAt  time.Time    `json:"created_at"`

	// Result is the channel plane of the result buffer. It is stored
	// compressed under its own key.
	Result []float32 `json:"-"`
}

// RunID derives a stable identifier from a configuration, its inputs and the
// invocation indices.
func RunID(cfg layer.Config, act, kernels []float32, img, kern, ch int) string {
	d := xxhash.New()
	binary.Write(d, binary.LittleEndian, cfg.Key())
	binary.Write(d, binary.LittleEndian, [3]int64{int64(img), int64(kern), int64(ch)})
	binary.Write(d, binary.LittleEndian, act)
	binary.Write(d, binary.LittleEndian, kernels)
	return fmt.Sprintf("%016x", d.Sum64())
}

// Storage wraps BadgerDB for persistent storage
type Storage struct {
	db  *badger.DB
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// NewStorage opens the database in the platform data directory.
func NewStorage() (*Storage, error) {
	dbDir, err := GetDatabaseDir()
	if err != nil {
		return nil, err
	}
	return Open(dbDir)
}

// Open opens (or creates) a database in dir.
func Open(dir string) (*Storage, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil // Disable logging
	return open(opts)
}

// OpenInMemory opens a database that lives only as long as the process.
func OpenInMemory() (*Storage, error) {
	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil
	return open(opts)
}

func open(opts badger.Options) (*Storage, error) {
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		db.Close()
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		db.Close()
		return nil, err
	}

	return &Storage{db: db, enc: enc, dec: dec}, nil
}

// Close closes the database
func (s *Storage) Close() error {
	if s.dec != nil {
		s.dec.Close()
	}
	if s.enc != nil {
		s.enc.Close()
	}
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// SavePreferences saves preferences
func (s *Storage) SavePreferences(prefs *Preferences) error {
	prefs.LastOpened = time.Now()

	data, err := json.Marshal(prefs)
	if err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(keyPreferences), data)
	})
}

// LoadPreferences loads preferences, returns defaults if not found
func (s *Storage) LoadPreferences() (*Preferences, error) {
	prefs := DefaultPreferences()

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyPreferences))
		if err == badger.ErrKeyNotFound {
			return nil // Use defaults
		}
		if err != nil {
			return err
		}

		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, prefs)
		})
	})

	return prefs, err
}

// SaveRun stores run metadata and its compressed result plane in one
// transaction.
func (s *Storage) SaveRun(run *Run) error {
	if run.ID == "" {
		return fmt.Errorf("storage: run has no id")
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now()
	}

	meta, err := json.Marshal(run)
	if err != nil {
		return err
	}

	var raw bytes.Buffer
	if err := tensor.WriteFloat32s(&raw, run.Result); err != nil {
		return err
	}
	blob := s.enc.EncodeAll(raw.Bytes(), nil)

	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(runPrefix+run.ID+metaSuffix), meta); err != nil {
			return err
		}
		return txn.Set([]byte(runPrefix+run.ID+resultSuffix), blob)
	})
}

// LoadRun loads a run and its result plane.
func (s *Storage) LoadRun(id string) (*Run, error) {
	run := &Run{}

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(runPrefix + id + metaSuffix))
		if err == badger.ErrKeyNotFound {
			return fmt.Errorf("run %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return err
		}
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, run)
		}); err != nil {
			return err
		}

		item, err = txn.Get([]byte(runPrefix + id + resultSuffix))
		if err != nil {
			return fmt.Errorf("run %s result: %w", id, err)
		}
		return item.Value(func(val []byte) error {
			raw, err := s.dec.DecodeAll(val, nil)
			if err != nil {
				return fmt.Errorf("run %s result: %w", id, err)
			}
			run.Result, err = tensor.ReadFloat32s(bytes.NewReader(raw), len(raw)/4)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return run, nil
}

// ListRuns returns the metadata of every stored run, without results,
// ordered by key.
func (s *Storage) ListRuns() ([]*Run, error) {
	var runs []*Run

	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(runPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			if !strings.HasSuffix(string(item.Key()), metaSuffix) {
				continue
			}

			run := &Run{}
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, run)
			}); err != nil {
				return err
			}
			runs = append(runs, run)
		}
		return nil
	})

	return runs, err
}

// DeleteRun removes a run. Deleting a missing run is not an error.
func (s *Storage) DeleteRun(id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete([]byte(runPrefix + id + metaSuffix)); err != nil {
			return err
		}
		return txn.Delete([]byte(runPrefix + id + resultSuffix))
	})
}
