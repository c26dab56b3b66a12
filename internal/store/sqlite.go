// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package store

import (
	"database/sql"

	log "github.com/golang/glog"

	// Import sqlite3 driver so that we can create db backed by sqlite.
	_ "github.com/mattn/go-sqlite3"

	"github.com/westerndigitalcorporation/rtdb/internal/core"
)

// Sqlite is a Store backed by a sqlite database.
type Sqlite struct {
	// The sqlite database.
	db *sql.DB

	// Prepared statements on the 'records' table.
	getStmt, putStmt, delStmt, scanStmt, eachStmt *sql.Stmt

	// Prepared statements on the 'seq' and 'meta' tables.
	seqInitStmt, seqBumpStmt, seqGetStmt, seqReserveStmt, getMetaStmt, putMetaStmt *sql.Stmt
}

var _ Store = (*Sqlite)(nil)

var sqliteSchema = []string{
	// Due to a bug in early version of sqlite, a non-integer primary key
	// can be null. So we need to set it to be not null explicitly here.
	// (see https://www.sqlite.org/lang_createtable.html#rowid).
	"CREATE TABLE IF NOT EXISTS records (prefix TEXT NOT NULL, id INTEGER NOT NULL, data BLOB NOT NULL, PRIMARY KEY (prefix, id))",
	"CREATE TABLE IF NOT EXISTS seq (prefix TEXT NOT NULL PRIMARY KEY, last INTEGER NOT NULL)",
	"CREATE TABLE IF NOT EXISTS meta (name TEXT NOT NULL PRIMARY KEY, data BLOB NOT NULL)",
}

// OpenSqlite opens the sqlite database at path, creating it if needed.
func OpenSqlite(path string) (*Sqlite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, ioError("open "+path, err)
	}
	// sqlite serializes writers; one connection keeps NextID transactions
	// from failing with SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	for _, stmt := range sqliteSchema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, ioError("create tables", err)
		}
	}

	s := &Sqlite{db: db}
	prepared := []struct {
		dst   **sql.Stmt
		query string
	}{
		{&s.getStmt, "SELECT data FROM records WHERE prefix=? AND id=?"},
		{&s.putStmt, "INSERT OR REPLACE INTO records (prefix, id, data) VALUES (?, ?, ?)"},
		{&s.delStmt, "DELETE FROM records WHERE prefix=? AND id=?"},
		{&s.scanStmt, "SELECT id, data FROM records WHERE prefix=? ORDER BY id"},
		{&s.eachStmt, "SELECT prefix, id, data FROM records ORDER BY prefix, id"},
		{&s.seqInitStmt, "INSERT OR IGNORE INTO seq (prefix, last) VALUES (?, 0)"},
		{&s.seqBumpStmt, "UPDATE seq SET last=last+1 WHERE prefix=? AND last<4294967295"},
		{&s.seqGetStmt, "SELECT last FROM seq WHERE prefix=?"},
		{&s.seqReserveStmt, "UPDATE seq SET last=? WHERE prefix=? AND last<?"},
		{&s.getMetaStmt, "SELECT data FROM meta WHERE name=?"},
		{&s.putMetaStmt, "INSERT OR REPLACE INTO meta (name, data) VALUES (?, ?)"},
	}
	for _, p := range prepared {
		if *p.dst, err = db.Prepare(p.query); err != nil {
			db.Close()
			return nil, ioError("prepare "+p.query, err)
		}
	}
	log.Infof("opened sqlite store at %s", path)
	return s, nil
}

// Close closes the database.
func (s *Sqlite) Close() error {
	if err := s.db.Close(); err != nil {
		return ioError("close", err)
	}
	return nil
}

// Get implements Store.
func (s *Sqlite) Get(key core.RecordKey) ([]byte, error) {
	var data []byte
	err := s.getStmt.QueryRow(key.Prefix.String(), int64(key.ID)).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, core.ErrNoSuchRecord.Errorf("%s", key)
	}
	if err != nil {
		log.Errorf("failed to get record %s: %s", key, err)
		return nil, ioError("get", err)
	}
	return data, nil
}

// Put implements Store.
func (s *Sqlite) Put(key core.RecordKey, data []byte) error {
	return s.Write([]Entry{{Key: key, Data: data}})
}

// Delete implements Store.
func (s *Sqlite) Delete(key core.RecordKey) error {
	return s.Write([]Entry{{Key: key}})
}

// Write implements Store.
func (s *Sqlite) Write(batch []Entry) error {
	tx, err := s.db.Begin()
	if err != nil {
		return ioError("begin", err)
	}
	put, del := tx.Stmt(s.putStmt), tx.Stmt(s.delStmt)
	for _, e := range batch {
		if e.Data == nil {
			_, err = del.Exec(e.Key.Prefix.String(), int64(e.Key.ID))
		} else {
			_, err = put.Exec(e.Key.Prefix.String(), int64(e.Key.ID), e.Data)
		}
		if err != nil {
			tx.Rollback()
			log.Errorf("failed to write record %s: %s", e.Key, err)
			return ioError("write", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return ioError("commit", err)
	}
	return nil
}

// Scan implements Store.
func (s *Sqlite) Scan(prefix core.Prefix, fn func(core.RecordID, []byte) error) error {
	rows, err := s.scanStmt.Query(prefix.String())
	if err != nil {
		return ioError("scan", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		var data []byte
		if err := rows.Scan(&id, &data); err != nil {
			return ioError("scan", err)
		}
		if err := fn(core.RecordID(id), data); err != nil {
			return err
		}
	}
	return wrap("scan", rows.Err())
}

// Each implements Store.
func (s *Sqlite) Each(fn func(core.RecordKey, []byte) error) error {
	rows, err := s.eachStmt.Query()
	if err != nil {
		return ioError("each", err)
	}
	defer rows.Close()
	for rows.Next() {
		var prefix string
		var id int64
		var data []byte
		if err := rows.Scan(&prefix, &id, &data); err != nil {
			return ioError("each", err)
		}
		p, err := core.PrefixFromString(prefix)
		if err != nil {
			return core.ErrCorruptData.Errorf("stored prefix %q", prefix)
		}
		if err := fn(core.RecordKey{Prefix: p, ID: core.RecordID(id)}, data); err != nil {
			return err
		}
	}
	return wrap("each", rows.Err())
}

// NextID implements Store.
func (s *Sqlite) NextID(prefix core.Prefix) (core.RecordID, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, ioError("begin", err)
	}
	defer tx.Rollback()
	if _, err := tx.Stmt(s.seqInitStmt).Exec(prefix.String()); err != nil {
		return 0, ioError("next id", err)
	}
	res, err := tx.Stmt(s.seqBumpStmt).Exec(prefix.String())
	if err != nil {
		return 0, ioError("next id", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, core.ErrTooBig.Errorf("ids of %s exhausted", prefix)
	}
	var last int64
	if err := tx.Stmt(s.seqGetStmt).QueryRow(prefix.String()).Scan(&last); err != nil {
		return 0, ioError("next id", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, ioError("commit", err)
	}
	return core.RecordID(last), nil
}

// ReserveID implements Store.
func (s *Sqlite) ReserveID(prefix core.Prefix, id core.RecordID) error {
	tx, err := s.db.Begin()
	if err != nil {
		return ioError("begin", err)
	}
	defer tx.Rollback()
	if _, err := tx.Stmt(s.seqInitStmt).Exec(prefix.String()); err != nil {
		return ioError("reserve id", err)
	}
	if _, err := tx.Stmt(s.seqReserveStmt).Exec(int64(id), prefix.String(), int64(id)); err != nil {
		return ioError("reserve id", err)
	}
	if err := tx.Commit(); err != nil {
		return ioError("commit", err)
	}
	return nil
}

// GetMeta implements Store.
func (s *Sqlite) GetMeta(name string) ([]byte, error) {
	var data []byte
	err := s.getMetaStmt.QueryRow(name).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, ioError("get meta", err)
	}
	return data, nil
}

// PutMeta implements Store.
func (s *Sqlite) PutMeta(name string, data []byte) error {
	if data == nil {
		data = []byte{}
	}
	if _, err := s.putMetaStmt.Exec(name, data); err != nil {
		return ioError("put meta", err)
	}
	return nil
}
