// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package realtime

import (
	"context"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/rtdb/internal/core"
	"github.com/westerndigitalcorporation/rtdb/internal/server"
	"github.com/westerndigitalcorporation/rtdb/pkg/rpc"
	"github.com/westerndigitalcorporation/rtdb/pkg/value"
)

// RtdbSrvHandler defines client-oriented methods that conform to the Go's RPC
// requirement. It is rate-limited by a semaphore on pending requests.
type RtdbSrvHandler struct {
	db *DB

	// Semaphore used to limit the number of pending requests from clients.
	pendingSem server.Semaphore

	// Failure injection, nil unless enabled in the config.
	failures *server.OpFailure

	// Per-RPC stats.
	opm *server.OpMetric
}

// Per-RPC stats are process wide; metrics can be registered only once.
var srvMetric = server.NewOpMetric("rtdb_rpc", "rpc")

func newSrvHandler(db *DB, cfg *Config, failures *server.OpFailure) *RtdbSrvHandler {
	return &RtdbSrvHandler{
		db:         db,
		pendingSem: server.NewSemaphore(cfg.RejectReqThreshold),
		failures:   failures,
		opm:        srvMetric,
	}
}

func (h *RtdbSrvHandler) rpcStats() map[string]string {
	return h.opm.Strings("Mutate", "Query", "Get", "Schema")
}

// admit runs the checks every method makes before doing any work.
func (h *RtdbSrvHandler) admit(name string) error {
	if h.failures != nil {
		if err := h.failures.Check(name); err != nil {
			log.Errorf("%s: failure service override, returning %s", name, err)
			return err
		}
	}
	if !h.pendingSem.TryAcquire() {
		log.Errorf("%s: too busy, rejecting req", name)
		return core.ErrTooBusy.Error()
	}
	return nil
}

// Mutate applies one encoded modify record.
func (h *RtdbSrvHandler) Mutate(req core.MutateReq, reply *core.MutateReply) error {
	op := h.opm.Start("Mutate")
	var err error
	defer op.EndWithError(&err)

	if err = h.admit("Mutate"); err != nil {
		reply.Err, reply.Detail = core.SplitError(err)
		return nil
	}
	defer h.pendingSem.Release()

	rec, exclusive := req.Get()
	reply.ID, err = h.db.Mutate(context.Background(), rec, req.SchemaChecksum)
	reply.Err, reply.Detail = core.SplitError(err)
	rpc.PutBuffer(rec, exclusive)

	log.V(1).Infof("Mutate: req %s len %d, reply %+v", req.ReqID, len(rec), *reply)
	return nil
}

// Query runs a compiled program once and returns its result as JSON.
func (h *RtdbSrvHandler) Query(req core.QueryReq, reply *core.QueryReply) error {
	op := h.opm.Start("Query")
	var err error
	defer op.EndWithError(&err)

	if err = h.admit("Query"); err != nil {
		reply.Err, reply.Detail = core.SplitError(err)
		return nil
	}
	defer h.pendingSem.Release()

	prog, exclusive := req.Get()
	var res value.Value
	if res, err = h.db.RunProgram(prog); err == nil {
		reply.Checksum = ResultChecksum(res)
		var out []byte
		if out, err = value.MarshalJSON(res); err == nil {
			reply.Set(out, false)
		}
	}
	reply.Err, reply.Detail = core.SplitError(err)
	rpc.PutBuffer(prog, exclusive)

	log.V(1).Infof("Query: req %s len %d, reply %s checksum %08x", req.ReqID, len(prog), reply.Err, reply.Checksum)
	return nil
}

// Get returns the stored state of one record as JSON.
func (h *RtdbSrvHandler) Get(req core.GetReq, reply *core.GetReply) error {
	op := h.opm.Start("Get")
	var err error
	defer op.EndWithError(&err)

	if err = h.admit("Get"); err != nil {
		reply.Err, reply.Detail = core.SplitError(err)
		return nil
	}
	defer h.pendingSem.Release()

	var state *value.Map
	if state, err = h.db.Get(req.Type, req.ID); err == nil {
		reply.Fields, err = value.MarshalJSON(state)
	}
	reply.Err, reply.Detail = core.SplitError(err)
	return nil
}

// Schema returns the current declaration and its checksum.
func (h *RtdbSrvHandler) Schema(req core.SchemaReq, reply *core.SchemaReply) error {
	op := h.opm.Start("Schema")
	var err error
	defer op.EndWithError(&err)

	if err = h.admit("Schema"); err != nil {
		reply.Err, _ = core.SplitError(err)
		return nil
	}
	defer h.pendingSem.Release()

	s := h.db.Schema()
	reply.Checksum = s.Checksum()
	reply.Decl, err = s.Decl().JSON()
	reply.Err, _ = core.SplitError(err)
	return nil
}
