// Copyright (c) 2017 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/rtdb/internal/core"
)

// MaxSchemaSize bounds the body of a migration request.
const MaxSchemaSize = 4 << 20

// Migrator is the subset of the realtime server needed to report and change
// the schema.
type Migrator interface {
	// Schema returns the current declaration and its checksum.
	Schema() ([]byte, uint64)

	// Migrating reports whether a migration holds the workers asleep.
	Migrating() bool

	// Migrate installs a new declaration and re-encodes stored records.
	// It returns the new checksum.
	Migrate(ctx context.Context, decl []byte) (uint64, error)
}

// MigrateState is the JSON reply of MigrateHandler.
type MigrateState struct {
	Checksum  string          `json:"checksum"`
	Migrating bool            `json:"migrating"`
	Schema    json.RawMessage `json:"schema,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// MigrateHandler implements /migrate. GET requests return the current schema
// and whether a migration is running, POST requests install the schema
// declaration in the request body.
func MigrateHandler(w http.ResponseWriter, r *http.Request, m Migrator) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method == "GET" {
		decl, sum := m.Schema()
		writeState(w, http.StatusOK, MigrateState{
			Checksum:  fmt.Sprintf("%016x", sum),
			Migrating: m.Migrating(),
			Schema:    decl,
		})
		return
	}
	if r.Method != "POST" {
		writeState(w, http.StatusMethodNotAllowed, MigrateState{Error: "method must be POST"})
		return
	}

	decl, err := io.ReadAll(io.LimitReader(r.Body, MaxSchemaSize+1))
	if err == nil && len(decl) > MaxSchemaSize {
		err = core.ErrTooBig.Errorf("schema is over %d bytes", MaxSchemaSize)
	}
	if err != nil {
		writeState(w, http.StatusBadRequest, MigrateState{Error: err.Error()})
		return
	}

	sum, err := m.Migrate(r.Context(), decl)
	if err != nil {
		status := http.StatusInternalServerError
		switch core.ToError(err) {
		case core.ErrSchema, core.ErrInvalidArgument, core.ErrTooBig:
			status = http.StatusBadRequest
		case core.ErrCanceled:
			status = http.StatusServiceUnavailable
		}
		log.Errorf("migration failed: %s", err)
		writeState(w, status, MigrateState{Error: err.Error()})
		return
	}
	log.Infof("migrated to schema %016x", sum)
	writeState(w, http.StatusOK, MigrateState{Checksum: fmt.Sprintf("%016x", sum)})
}

func writeState(w http.ResponseWriter, status int, st MigrateState) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(st)
}
