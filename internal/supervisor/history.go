package supervisor

import (
	"time"

	"github.com/bytedance/sonic"
	"github.com/yanun0323/errors"
	bolt "go.etcd.io/bbolt"

	"tickrelay/internal/model"
)

var workersBucket = []byte("workers")

// WorkerState is the persisted bookkeeping of one worker.
type WorkerState struct {
	Record         model.ProcessRecord `json:"record"`
	Attempts       []time.Time         `json:"attempts"`
	BackoffUntil   time.Time           `json:"backoff_until"`
	BackoffEpisode int                 `json:"backoff_episode"`
	FailureStreak  int                 `json:"failure_streak"`
}

// History persists worker state.
type History interface {
	Load() (map[string]WorkerState, error)
	Save(name string, st WorkerState) error
}

// BoltHistory stores one JSON value per worker in a bbolt bucket.
type BoltHistory struct {
	db *bolt.DB
}

// OpenBoltHistory opens or creates the database at path.
func OpenBoltHistory(path string) (*BoltHistory, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Wrap(err, "open bolt history").With("path", path)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(workersBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "create workers bucket")
	}
	return &BoltHistory{db: db}, nil
}

func (h *BoltHistory) Load() (map[string]WorkerState, error) {
	out := make(map[string]WorkerState)
	err := h.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(workersBucket).ForEach(func(k, v []byte) error {
			var st WorkerState
			if err := sonic.ConfigStd.Unmarshal(v, &st); err != nil {
				return errors.Wrap(err, "decode worker state").With("worker", string(k))
			}
			out[string(k)] = st
			return nil
		})
	})
	return out, err
}

func (h *BoltHistory) Save(name string, st WorkerState) error {
	v, err := sonic.ConfigStd.Marshal(st)
	if err != nil {
		return err
	}
	return h.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(workersBucket).Put([]byte(name), v)
	})
}

// Close closes the database.
func (h *BoltHistory) Close() error {
	return h.db.Close()
}
