// Copyright (c) 2015 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package core

import "github.com/westerndigitalcorporation/rtdb/pkg/rpc"

// Requests and replies of the RtdbSrvHandler RPC service. Records, programs
// and results travel as bulk data so they are checksummed by the codec and
// not copied through gob.

// MutateMethod is the method name for applying one encoded modify record.
const MutateMethod = "RtdbSrvHandler.Mutate"

// MutateReq carries an encoded modify record.
type MutateReq struct {
	// Checksum of the schema the record was encoded against.
	SchemaChecksum uint64

	// The record, as produced by the mutation encoder. For CREATE the id in
	// the header may be zero, in which case the server assigns one.
	Record []byte

	// ID for cancellation and tracing.
	ReqID string

	// Local-only flag to indicate whether Record is exclusively owned.
	bExclusive bool
}

// MutateReply is the reply for MutateReq.
type MutateReply struct {
	Err Error

	// Detail is the message of the error, if any.
	Detail string

	// The id of the record the mutation was applied to.
	ID RecordID
}

// QueryMethod is the method name for running a compiled program once.
const QueryMethod = "RtdbSrvHandler.Query"

// QueryReq carries a compiled program.
type QueryReq struct {
	Program []byte
	ReqID   string

	bExclusive bool
}

// QueryReply is the reply for QueryReq.
type QueryReply struct {
	Err    Error
	Detail string

	// Checksum of the result, as pushed to subscribers.
	Checksum uint32

	// The result as JSON.
	Result []byte

	bExclusive bool
}

// GetMethod is the method name for reading one record.
const GetMethod = "RtdbSrvHandler.Get"

// GetReq asks for the stored state of one record.
type GetReq struct {
	Type string
	ID   RecordID
}

// GetReply is the reply for GetReq. Fields is the record state as JSON.
type GetReply struct {
	Err    Error
	Detail string
	Fields []byte
}

// SchemaMethod is the method name for fetching the current schema.
const SchemaMethod = "RtdbSrvHandler.Schema"

// SchemaReq asks for the current schema. gob can't encode a struct without
// exported fields, so it carries the request id.
type SchemaReq struct {
	ReqID string
}

// SchemaReply carries the schema declaration as JSON and its checksum.
type SchemaReply struct {
	Err      Error
	Decl     []byte
	Checksum uint64
}

func (r *MutateReq) Get() ([]byte, bool)   { b := r.Record; r.Record = nil; return b, r.bExclusive }
func (r *MutateReq) Set(b []byte, e bool)  { r.Record, r.bExclusive = b, e }
func (r *QueryReq) Get() ([]byte, bool)    { b := r.Program; r.Program = nil; return b, r.bExclusive }
func (r *QueryReq) Set(b []byte, e bool)   { r.Program, r.bExclusive = b, e }
func (r *QueryReply) Get() ([]byte, bool)  { b := r.Result; r.Result = nil; return b, r.bExclusive }
func (r *QueryReply) Set(b []byte, e bool) { r.Result, r.bExclusive = b, e }

var (
	// Assert that these implement rpc.BulkData.
	_ rpc.BulkData = (*MutateReq)(nil)
	_ rpc.BulkData = (*QueryReq)(nil)
	_ rpc.BulkData = (*QueryReply)(nil)
)

// ReplyError rebuilds the Go error carried by a reply's code and detail.
func ReplyError(code Error, detail string) error {
	if code == NoError {
		return nil
	}
	if detail == "" {
		return code.Error()
	}
	return code.Errorf("%s", detail)
}

// SplitError turns err into the code and detail stored in a reply.
func SplitError(err error) (Error, string) {
	if err == nil {
		return NoError, ""
	}
	return ToError(err), err.Error()
}
