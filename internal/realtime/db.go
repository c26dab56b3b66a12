// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package realtime ties the schema, the mutation encoder, the query compiler
// and the observable cache to a record store, and serves them over RPC and
// websocket sessions.
package realtime

import (
	"context"
	"fmt"
	"sync"

	log "github.com/golang/glog"
	"golang.org/x/sync/errgroup"

	"github.com/westerndigitalcorporation/rtdb/internal/core"
	"github.com/westerndigitalcorporation/rtdb/internal/exec"
	"github.com/westerndigitalcorporation/rtdb/internal/migration"
	"github.com/westerndigitalcorporation/rtdb/internal/modify"
	"github.com/westerndigitalcorporation/rtdb/internal/observable"
	"github.com/westerndigitalcorporation/rtdb/internal/query"
	"github.com/westerndigitalcorporation/rtdb/internal/schema"
	"github.com/westerndigitalcorporation/rtdb/internal/server"
	"github.com/westerndigitalcorporation/rtdb/internal/store"
	"github.com/westerndigitalcorporation/rtdb/pkg/checksum"
	"github.com/westerndigitalcorporation/rtdb/pkg/value"
)

// SchemaMeta is the store metadata blob holding the schema declaration.
const SchemaMeta = "schema"

// QueryName is the observable name of database queries.
const QueryName = "query"

// DB is the database: a schema over a record store, with live queries.
//
// Mutations run on migration workers, sharded by record id, so the writes
// of one record are applied in submission order. Queries read the store
// directly under the schema read lock; a migration holds the write lock while
// it swaps the stored records and the schema.
type DB struct {
	cfg *Config
	st  store.Store

	// Protects s. Readers of stored records hold it for reading so records
	// and schema always match.
	schemaLock sync.RWMutex
	s          *schema.Schema

	programs *query.Cache
	obs      *observable.Cache
	locks    server.LockManager

	coord   *migration.Coordinator
	queues  []chan migration.Job
	workers *errgroup.Group
	cancel  context.CancelFunc

	closeOnce sync.Once
}

// Open loads the schema from st, or from decl if st has none, and starts the
// mutation workers. If st holds a schema and decl differs from it, the store
// is migrated to decl.
func Open(cfg *Config, st store.Store, decl []byte) (*DB, error) {
	db := &DB{
		cfg:      cfg,
		st:       st,
		programs: query.NewCache(cfg.ProgramCacheSize),
		obs:      observable.NewCache(cfg.Observable),
		locks:    server.NewFineGrainedLock(),
		coord:    migration.NewCoordinator(),
	}

	stored, err := st.GetMeta(SchemaMeta)
	if err != nil {
		return nil, err
	}
	switch {
	case stored != nil:
		if db.s, err = schema.Load(stored); err != nil {
			return nil, core.ErrCorruptData.Errorf("stored schema: %s", err)
		}
	case decl != nil:
		if db.s, err = schema.Load(decl); err != nil {
			return nil, err
		}
		if err = st.PutMeta(SchemaMeta, decl); err != nil {
			return nil, err
		}
		decl = nil
	default:
		db.s, _ = schema.Resolve(&schema.Decl{})
	}
	log.Infof("opened database with %d types, schema %016x", len(db.s.Types), db.s.Checksum())

	ctx, cancel := context.WithCancel(context.Background())
	db.cancel = cancel
	db.workers, ctx = errgroup.WithContext(ctx)
	for i := 0; i < cfg.Workers; i++ {
		w := db.coord.NewWorker(fmt.Sprintf("mutate-%d", i))
		q := make(chan migration.Job, cfg.QueueLen)
		db.queues = append(db.queues, q)
		db.workers.Go(func() error { return w.Run(ctx, q) })
	}

	if decl != nil {
		if _, err := db.Migrate(context.Background(), decl); err != nil {
			db.Close()
			return nil, err
		}
	}
	return db, nil
}

// Schema returns the current schema.
func (db *DB) Schema() *schema.Schema {
	db.schemaLock.RLock()
	defer db.schemaLock.RUnlock()
	return db.s
}

// Observables returns the observable cache.
func (db *DB) Observables() *observable.Cache {
	return db.obs
}

// Coordinator returns the migration coordinator of the mutation workers.
func (db *DB) Coordinator() *migration.Coordinator {
	return db.coord
}

//-----------
// Mutations
//-----------

// MutatePayload encodes a mutation of record id of the named type and
// applies it. For CREATE an id of zero allocates one.
func (db *DB) MutatePayload(ctx context.Context, typeName string, op core.OpKind, id core.RecordID, payload *value.Map) (core.RecordID, error) {
	s := db.Schema()
	td, err := s.Type(typeName)
	if err != nil {
		return 0, err
	}
	opts := modify.DefaultOptions()
	opts.Max = db.cfg.MaxRecordSize
	res, err := modify.Encode(td, op, id, payload, opts)
	if err != nil {
		return 0, err
	}
	return db.Mutate(ctx, res.Bytes, s.Checksum())
}

// Mutate applies an encoded modify record. sum is the checksum of the schema
// the record was encoded against; zero skips the check. It returns the id of
// the record, which is allocated for a CREATE with id zero.
func (db *DB) Mutate(ctx context.Context, rec []byte, sum uint64) (core.RecordID, error) {
	if len(rec) > db.cfg.MaxRecordSize {
		return 0, core.ErrTooBig.Errorf("record of %d bytes", len(rec))
	}
	op, id, prefix, err := modify.Header(rec)
	if err != nil {
		return 0, err
	}
	s := db.Schema()
	if sum != 0 && sum != s.Checksum() {
		return 0, core.ErrStaleSchema.Errorf("record encoded against %016x, schema is %016x", sum, s.Checksum())
	}
	if _, err := s.TypeByPrefix(prefix); err != nil {
		return 0, err
	}

	switch {
	case op == core.OpCreate && !id.IsValid():
		if id, err = db.st.NextID(prefix); err != nil {
			return 0, err
		}
		// The record may be shared with the caller.
		rec = append([]byte(nil), rec...)
		modify.SetID(rec, id)
	case !id.IsValid():
		return 0, core.ErrInvalidArgument.Errorf("%s needs a record id", op)
	case op == core.OpCreate:
		if err = db.st.ReserveID(prefix, id); err != nil {
			return 0, err
		}
	}

	done := make(chan error, 1)
	job := func() { done <- db.apply(rec, sum) }
	if err := db.submit(ctx, id, job); err != nil {
		return 0, err
	}
	select {
	case err := <-done:
		return id, err
	case <-ctx.Done():
		// The job still runs; only the caller stops waiting.
		return 0, core.ErrCanceled.Errorf("%s", ctx.Err())
	}
}

// submit queues job on the worker owning id. While a migration holds the
// workers asleep a full queue fails fast with ErrMigrating.
func (db *DB) submit(ctx context.Context, id core.RecordID, job migration.Job) error {
	q := db.queues[int(id)%len(db.queues)]
	select {
	case q <- job:
		return nil
	default:
	}
	if db.coord.Migrating() {
		return core.ErrMigrating.Error()
	}
	select {
	case q <- job:
		return nil
	case <-ctx.Done():
		return core.ErrCanceled.Errorf("%s", ctx.Err())
	}
}

// apply runs on a worker. Workers are parked during migrations, so the
// schema can't change under it, but it is re-checked: the record was
// validated before it was queued.
func (db *DB) apply(b []byte, sum uint64) error {
	s := db.Schema()
	if sum != 0 && sum != s.Checksum() {
		return core.ErrStaleSchema.Errorf("schema changed to %016x while the mutation was queued", s.Checksum())
	}
	rec, err := modify.Decode(s, b)
	if err != nil {
		return err
	}
	key := rec.Key()
	db.locks.LockRecord(key)
	defer db.locks.UnlockRecord(key)

	var state *value.Map
	switch old, err := db.st.Get(key); {
	case err == nil:
		if _, state, err = modify.Load(s, old); err != nil {
			return err
		}
	case !core.ErrNoSuchRecord.Is(err):
		return err
	case rec.Op == core.OpUpdate || rec.Op == core.OpMergeMain:
		return core.ErrNoSuchRecord.Errorf("%s", key)
	case rec.Op == core.OpDelete:
		// Deleting twice is fine, retries do it.
		return nil
	}

	next := modify.Apply(state, rec)
	if next == nil {
		err = db.st.Delete(key)
	} else {
		var snap []byte
		if snap, err = modify.Snapshot(rec.Type, rec.ID, next, db.cfg.MaxRecordSize); err != nil {
			return err
		}
		err = db.st.Put(key, snap)
	}
	if err != nil {
		return err
	}
	log.V(2).Infof("%s %s", rec.Op, key)
	db.obs.Touch(rec.Type.Name)
	return nil
}

//---------
// Queries
//---------

// Get returns the stored state of one record.
func (db *DB) Get(typeName string, id core.RecordID) (*value.Map, error) {
	db.schemaLock.RLock()
	defer db.schemaLock.RUnlock()
	td, err := db.s.Type(typeName)
	if err != nil {
		return nil, err
	}
	b, err := db.st.Get(core.RecordKey{Prefix: td.Prefix, ID: id})
	if err != nil {
		return nil, err
	}
	_, state, err := modify.Load(db.s, b)
	return state, err
}

// Query compiles d against the current schema and runs it.
func (db *DB) Query(d *query.Def) (value.Value, error) {
	db.schemaLock.RLock()
	defer db.schemaLock.RUnlock()
	prog, err := db.programs.Compile(db.s, d)
	if err != nil {
		return nil, err
	}
	return exec.Run(db.s, prog, db.st)
}

func (db *DB) compile(d *query.Def) error {
	db.schemaLock.RLock()
	defer db.schemaLock.RUnlock()
	_, err := db.programs.Compile(db.s, d)
	return err
}

// RunProgram runs a program compiled elsewhere. A program compiled against
// another schema fails with ErrStaleSchema.
func (db *DB) RunProgram(prog []byte) (value.Value, error) {
	db.schemaLock.RLock()
	defer db.schemaLock.RUnlock()
	return exec.Run(db.s, prog, db.st)
}

// Subscribe starts delivering the results of the query described by def, a
// query definition map, whenever they change.
func (db *DB) Subscribe(def value.Value, onData observable.DataFunc, onError observable.ErrorFunc) (*observable.Handle, error) {
	d, err := query.ParseDef(def)
	if err != nil {
		return nil, err
	}
	// Report compile errors to the caller rather than as evaluation errors.
	if err := db.compile(d); err != nil {
		return nil, err
	}
	tags := d.Types
	for _, t := range d.Types {
		if t == core.AnyType {
			tags = []string{core.AnyType}
			break
		}
	}
	q := observable.Query{
		Name:    QueryName,
		Payload: d.Value(),
		Tags:    tags,
		Eval: func(ctx context.Context) (value.Value, error) {
			return db.Query(d)
		},
	}
	return db.obs.Subscribe(q, onData, onError)
}

//-----------
// Migration
//-----------

// Migrate installs a new schema declaration. Every stored record is
// re-encoded under the new layout while the mutation workers are asleep;
// records of types the declaration drops are deleted. Either everything is
// migrated or nothing is. It returns the new schema checksum.
func (db *DB) Migrate(ctx context.Context, decl []byte) (uint64, error) {
	next, err := schema.Load(decl)
	if err != nil {
		return 0, err
	}
	if next.Checksum() == db.Schema().Checksum() {
		return next.Checksum(), nil
	}
	canonical, err := next.Decl().JSON()
	if err != nil {
		return 0, core.ErrSchema.Errorf("%s", err)
	}

	var old *schema.Schema
	err = db.coord.Migrate(ctx, func(ctx context.Context) error {
		old = db.Schema()
		batch, reserve, err := db.reencode(old, next)
		if err != nil {
			return err
		}

		db.schemaLock.Lock()
		defer db.schemaLock.Unlock()
		for p, id := range reserve {
			if err := db.st.ReserveID(p, id); err != nil {
				return err
			}
		}
		if err := db.st.Write(batch); err != nil {
			return err
		}
		if err := db.st.PutMeta(SchemaMeta, canonical); err != nil {
			return err
		}
		db.s = next
		log.Infof("migrated %d records from schema %016x to %016x", len(batch), old.Checksum(), next.Checksum())
		return nil
	})
	if err != nil {
		return 0, err
	}
	db.programs.DropSchema(old.Checksum())
	db.obs.Touch(core.AnyType)
	return next.Checksum(), nil
}

// reencode builds the batch turning every record stored under old into its
// form under next, and the id each new prefix must reserve. Deletes of moved
// or dropped records come before every put, since types may trade prefixes.
func (db *DB) reencode(old, next *schema.Schema) ([]store.Entry, map[core.Prefix]core.RecordID, error) {
	var dels, puts []store.Entry
	reserve := make(map[core.Prefix]core.RecordID)
	for _, otd := range old.Types {
		type stored struct {
			id   core.RecordID
			data []byte
		}
		var recs []stored
		err := db.st.Scan(otd.Prefix, func(id core.RecordID, data []byte) error {
			recs = append(recs, stored{id, data})
			return nil
		})
		if err != nil {
			return nil, nil, err
		}

		ntd, err := next.Type(otd.Name)
		for _, r := range recs {
			oldKey := core.RecordKey{Prefix: otd.Prefix, ID: r.id}
			if err != nil {
				dels = append(dels, store.Entry{Key: oldKey})
				continue
			}
			_, state, lerr := modify.Load(old, r.data)
			if lerr != nil {
				return nil, nil, lerr
			}
			snap, serr := modify.Snapshot(ntd, r.id, state, db.cfg.MaxRecordSize)
			if serr != nil {
				return nil, nil, core.ErrSchema.Errorf("%s %d doesn't fit the new layout: %s", otd.Name, r.id, serr)
			}
			if ntd.Prefix != otd.Prefix {
				dels = append(dels, store.Entry{Key: oldKey})
				if r.id > reserve[ntd.Prefix] {
					reserve[ntd.Prefix] = r.id
				}
			}
			puts = append(puts, store.Entry{Key: core.RecordKey{Prefix: ntd.Prefix, ID: r.id}, Data: snap})
		}
		if err != nil && len(recs) > 0 {
			log.Infof("type %q dropped, deleting %d records", otd.Name, len(recs))
		}
	}
	return append(dels, puts...), reserve, nil
}

// Close stops the workers and destroys every observable. The store is left
// open.
func (db *DB) Close() {
	db.closeOnce.Do(func() {
		db.obs.Close()
		db.cancel()
		db.workers.Wait()
	})
}

// ResultChecksum is the checksum pushed with a query result.
func ResultChecksum(v value.Value) uint32 {
	return checksum.HashUnordered(v)
}
