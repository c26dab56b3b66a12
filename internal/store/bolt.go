// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package store

import (
	"encoding/binary"
	"math"
	"os"
	"sync"
	"time"

	"github.com/boltdb/bolt"
	log "github.com/golang/glog"
	"github.com/golang/snappy"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/westerndigitalcorporation/rtdb/internal/core"
)

var (
	recordBucket = []byte("record") // Snappy compressed snapshots by RecordKey.Bytes().
	seqBucket    = []byte("seq")    // Last allocated id by prefix.
	metaBucket   = []byte("meta")   // Named metadata blobs.
)

var (
	mDbSize = promauto.NewGauge(prometheus.GaugeOpts{
		Subsystem: "store",
		Name:      "db_size",
		Help:      "size of database in bytes",
	})

	// Boltdb performance metrics.
	mBoltStats = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Subsystem: "store",
		Name:      "boltdb",
		Help:      "metrics exported by boltdb",
	}, []string{"field"})
	mBoltFreePages    = mBoltStats.WithLabelValues("free_pages")    // total number of free pages on the freelist
	mBoltPendingPages = mBoltStats.WithLabelValues("pending_pages") // total number of pending pages on the freelist
	mBoltOpenTx       = mBoltStats.WithLabelValues("open_tx_count") // number of currently open read transactions
	// Counters maintained by boltdb, read into gauges.
	mBoltTxCount  = mBoltStats.WithLabelValues("tx_count")      // total number of started read transactions
	mBoltTxWrite  = mBoltStats.WithLabelValues("tx_write")      // number of writes performed
	mBoltTxWriteT = mBoltStats.WithLabelValues("tx_write_time") // total time spent writing to disk (s)
	mBoltTxSpillT = mBoltStats.WithLabelValues("tx_spill_time") // total time spent spilling (s)
	mBoltTxSplit  = mBoltStats.WithLabelValues("tx_split")      // number of nodes split
)

const (
	mode os.FileMode = 0600

	// Records are mostly written in id order within a prefix.
	recordFillPct = 0.75

	statsInterval = 30 * time.Second
)

// Bolt is a Store backed by a boltdb file. Values are snappy compressed.
type Bolt struct {
	db *bolt.DB

	stop     chan struct{}
	stopOnce sync.Once
}

var _ Store = (*Bolt)(nil)

// OpenBolt opens the database at path, creating it if needed.
func OpenBolt(path string) (*Bolt, error) {
	db, err := bolt.Open(path, mode, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, ioError("open "+path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{recordBucket, seqBucket, metaBucket} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, ioError("create buckets", err)
	}
	s := &Bolt{db: db, stop: make(chan struct{})}
	go s.statsLoop()
	log.Infof("opened bolt store at %s", path)
	return s, nil
}

// Close closes the database. Scans must have returned.
func (s *Bolt) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	if err := s.db.Close(); err != nil {
		return ioError("close", err)
	}
	return nil
}

// Get implements Store.
func (s *Bolt) Get(key core.RecordKey) (data []byte, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(recordBucket).Get(key.Bytes())
		if v == nil {
			return core.ErrNoSuchRecord.Errorf("%s", key)
		}
		data, err = snappy.Decode(nil, v)
		if err != nil {
			return core.ErrCorruptData.Errorf("%s: %s", key, err)
		}
		return nil
	})
	return data, wrap("get", err)
}

// Put implements Store.
func (s *Bolt) Put(key core.RecordKey, data []byte) error {
	return s.Write([]Entry{{Key: key, Data: data}})
}

// Delete implements Store.
func (s *Bolt) Delete(key core.RecordKey) error {
	return s.Write([]Entry{{Key: key}})
}

// Write implements Store.
func (s *Bolt) Write(batch []Entry) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(recordBucket)
		b.FillPercent = recordFillPct
		for _, e := range batch {
			var err error
			if e.Data == nil {
				err = b.Delete(e.Key.Bytes())
			} else {
				err = b.Put(e.Key.Bytes(), snappy.Encode(nil, e.Data))
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
	return wrap("write", err)
}

// Scan implements Store.
func (s *Bolt) Scan(prefix core.Prefix, fn func(core.RecordID, []byte) error) error {
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(recordBucket).Cursor()
		for k, v := c.Seek(prefix[:]); k != nil; k, v = c.Next() {
			key, err := core.RecordKeyFromBytes(k)
			if err != nil {
				return core.ErrCorruptData.Errorf("record key %x", k)
			}
			if key.Prefix != prefix {
				break
			}
			data, err := snappy.Decode(nil, v)
			if err != nil {
				return core.ErrCorruptData.Errorf("%s: %s", key, err)
			}
			if err := fn(key.ID, data); err != nil {
				return err
			}
		}
		return nil
	})
	return wrap("scan", err)
}

// Each implements Store.
func (s *Bolt) Each(fn func(core.RecordKey, []byte) error) error {
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(recordBucket).ForEach(func(k, v []byte) error {
			key, err := core.RecordKeyFromBytes(k)
			if err != nil {
				return core.ErrCorruptData.Errorf("record key %x", k)
			}
			data, err := snappy.Decode(nil, v)
			if err != nil {
				return core.ErrCorruptData.Errorf("%s: %s", key, err)
			}
			return fn(key, data)
		})
	})
	return wrap("each", err)
}

// NextID implements Store.
func (s *Bolt) NextID(prefix core.Prefix) (id core.RecordID, err error) {
	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(seqBucket)
		var last uint32
		if v := b.Get(prefix[:]); len(v) == 4 {
			last = binary.BigEndian.Uint32(v)
		}
		if last == math.MaxUint32 {
			return core.ErrTooBig.Errorf("ids of %s exhausted", prefix)
		}
		var buf [4]byte
		binary.BigEndian.PutUint32(buf[:], last+1)
		id = core.RecordID(last + 1)
		return b.Put(prefix[:], buf[:])
	})
	return id, wrap("next id", err)
}

// ReserveID implements Store.
func (s *Bolt) ReserveID(prefix core.Prefix, id core.RecordID) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(seqBucket)
		if v := b.Get(prefix[:]); len(v) == 4 && binary.BigEndian.Uint32(v) >= uint32(id) {
			return nil
		}
		var buf [4]byte
		binary.BigEndian.PutUint32(buf[:], uint32(id))
		return b.Put(prefix[:], buf[:])
	})
	return wrap("reserve id", err)
}

// GetMeta implements Store.
func (s *Bolt) GetMeta(name string) (data []byte, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(metaBucket).Get([]byte(name)); v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	return data, wrap("get meta", err)
}

// PutMeta implements Store.
func (s *Bolt) PutMeta(name string, data []byte) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(metaBucket).Put([]byte(name), data)
	})
	return wrap("put meta", err)
}

func (s *Bolt) statsLoop() {
	t := time.NewTicker(statsInterval)
	defer t.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-t.C:
		}
		var size int64
		s.db.View(func(tx *bolt.Tx) error {
			size = tx.Size()
			return nil
		})
		updateDbStats(size, s.db.Stats())
	}
}

func updateDbStats(size int64, stats bolt.Stats) {
	mDbSize.Set(float64(size))
	mBoltFreePages.Set(float64(stats.FreePageN))
	mBoltPendingPages.Set(float64(stats.PendingPageN))
	mBoltOpenTx.Set(float64(stats.OpenTxN))
	mBoltTxCount.Set(float64(stats.TxN))
	mBoltTxWrite.Set(float64(stats.TxStats.Write))
	mBoltTxWriteT.Set(float64(stats.TxStats.WriteTime) / 1e9)
	mBoltTxSpillT.Set(float64(stats.TxStats.SpillTime) / 1e9)
	mBoltTxSplit.Set(float64(stats.TxStats.Split))
}

// wrap turns errors without a code into ErrIO.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := core.FromError(err); ok {
		return err
	}
	return ioError(op, err)
}
