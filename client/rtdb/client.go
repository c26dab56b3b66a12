// Copyright (c) 2015 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package rtdb is the client of an rtdb server. Client encodes mutations and
// compiles queries locally against a cached copy of the server's schema and
// talks to the server over bulk RPC; Stream holds a websocket session for
// live queries.
package rtdb

import (
	"context"
	"sync"
	"time"

	log "github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/westerndigitalcorporation/rtdb/internal/core"
	"github.com/westerndigitalcorporation/rtdb/internal/modify"
	"github.com/westerndigitalcorporation/rtdb/internal/query"
	"github.com/westerndigitalcorporation/rtdb/internal/schema"
	"github.com/westerndigitalcorporation/rtdb/pkg/retry"
	"github.com/westerndigitalcorporation/rtdb/pkg/rpc"
	"github.com/westerndigitalcorporation/rtdb/pkg/value"
)

var (
	clientOpLatenciesSet = promauto.NewSummaryVec(prometheus.SummaryOpts{
		Subsystem: "rtdb_client",
		Name:      "latencies",
		Help:      "client operation latencies in seconds",
	}, []string{"op", "instance"})
	clientOpSizesSet = promauto.NewSummaryVec(prometheus.SummaryOpts{
		Subsystem: "rtdb_client",
		Name:      "sizes",
		Help:      "sizes of encoded records and results",
	}, []string{"op", "instance"})
)

const (
	dialTimeout = 5 * time.Second  // timeout for dial to a server
	rpcTimeout  = 10 * time.Second // timeout for a rpc invocation

	// ProgramCacheSize is the number of compiled queries kept per client.
	ProgramCacheSize = 256
)

// Options contains configurations of a client.
type Options struct {
	// Addr is the host:port of the server.
	Addr string

	// Whether client will retry operations failed due to "retriable" error.
	DisableRetry bool

	// RetryTimeout bounds the total time of retries if it's greater than zero.
	RetryTimeout time.Duration

	// An optional label to differentiate metrics from different client
	// instances. It will be "default" if it's not specified.
	Instance string

	// Encoder options. Zero means modify.DefaultOptions.
	Encode modify.Options
}

// Client exposes the RPC interface of a server.
type Client struct {
	addr string
	cc   *rpc.ConnectionCache

	// Retrier for retrying client's operations once they failed.
	retrier retry.Retrier

	encode modify.Options

	// The server's schema as last fetched, nil until the first call needs it.
	lock   sync.Mutex
	schema *schema.Schema

	programs *query.Cache

	metricMutate prometheus.Observer
	metricQuery  prometheus.Observer
	metricGet    prometheus.Observer
	metricSizes  prometheus.Observer
}

// NewClient returns a new Client for the server at options.Addr.
func NewClient(options Options) *Client {
	var retrier retry.Retrier
	if options.DisableRetry {
		retrier = retry.Retrier{MaxNumRetries: 1}
	} else {
		if options.RetryTimeout == 0 {
			options.RetryTimeout = 30 * time.Second
		}
		retrier = retry.Retrier{
			MinSleep: 100 * time.Millisecond,
			MaxSleep: options.RetryTimeout,
			MaxRetry: options.RetryTimeout,
		}
	}
	if options.Instance == "" {
		options.Instance = "default"
	}
	if options.Encode.Max == 0 {
		options.Encode = modify.DefaultOptions()
	}
	return &Client{
		addr:         options.Addr,
		cc:           rpc.NewConnectionCache(dialTimeout, rpcTimeout, 0),
		retrier:      retrier,
		encode:       options.Encode,
		programs:     query.NewCache(ProgramCacheSize),
		metricMutate: clientOpLatenciesSet.WithLabelValues("mutate", options.Instance),
		metricQuery:  clientOpLatenciesSet.WithLabelValues("query", options.Instance),
		metricGet:    clientOpLatenciesSet.WithLabelValues("get", options.Instance),
		metricSizes:  clientOpSizesSet.WithLabelValues("mutate", options.Instance),
	}
}

// Close closes the connections of the client.
func (cli *Client) Close() {
	cli.cc.CloseAll()
}

// send makes one RPC, mapping transport failures to ErrRPC.
func (cli *Client) send(ctx context.Context, method string, req, reply interface{}) error {
	if err := cli.cc.Send(ctx, cli.addr, method, req, reply); err != nil {
		if ctx.Err() != nil {
			return core.ErrCanceled.Errorf("%s", err)
		}
		return core.ErrRPC.Errorf("%s: %s", method, err)
	}
	return nil
}

// do runs fn with retries. A stale schema is refetched and fn retried once.
// The cached schema may also predate a migration that added the type or
// property fn asks for, so an encoding or compile error raised while a cached
// schema was in use refetches it too.
func (cli *Client) do(ctx context.Context, what string, fn func(seq int) error) error {
	stale := 0
	err := cli.retrier.DoErr(ctx, func(seq int) error {
		if seq > 0 {
			log.Infof("%s: attempt #%d", what, seq)
		}
		cached := cli.cached() != nil
		err := fn(seq)
		if core.ErrStaleSchema.Is(err) || (cached && schemaMiss(err)) {
			stale++
			cli.dropSchema()
			return staleOnce{err}
		}
		return err
	}, func(err error) bool {
		if _, ok := err.(staleOnce); ok {
			return stale == 1
		}
		return core.IsRetriable(err)
	})
	if s, ok := err.(staleOnce); ok {
		return s.error
	}
	return err
}

// staleOnce marks an attempt that dropped the cached schema.
type staleOnce struct{ error }

func (s staleOnce) Unwrap() error { return s.error }

// schemaMiss reports whether err is one a newer schema might not raise.
func schemaMiss(err error) bool {
	return core.ErrSchema.Is(err) || core.ErrNoSuchType.Is(err) || core.ErrQuery.Is(err)
}

//--------
// Schema
//--------

// Schema returns the server's schema, fetching it if it isn't cached.
func (cli *Client) Schema(ctx context.Context) (*schema.Schema, error) {
	var s *schema.Schema
	err := cli.retrier.DoErr(ctx, func(int) error {
		var err error
		s, err = cli.current(ctx)
		return err
	}, core.IsRetriable)
	return s, err
}

// current returns the cached schema or fetches it once.
func (cli *Client) current(ctx context.Context) (*schema.Schema, error) {
	if s := cli.cached(); s != nil {
		return s, nil
	}
	return cli.fetchSchema(ctx)
}

func (cli *Client) cached() *schema.Schema {
	cli.lock.Lock()
	defer cli.lock.Unlock()
	return cli.schema
}

func (cli *Client) fetchSchema(ctx context.Context) (*schema.Schema, error) {
	var reply core.SchemaReply
	if err := cli.send(ctx, core.SchemaMethod, core.SchemaReq{ReqID: rpc.GenID()}, &reply); err != nil {
		return nil, err
	}
	if reply.Err != core.NoError {
		return nil, reply.Err.Error()
	}
	s, err := schema.Load(reply.Decl)
	if err != nil {
		return nil, err
	}
	if s.Checksum() != reply.Checksum {
		return nil, core.ErrCorruptData.Errorf("schema checksum %016x, server says %016x", s.Checksum(), reply.Checksum)
	}
	cli.lock.Lock()
	cli.schema = s
	cli.lock.Unlock()
	log.Infof("fetched schema %016x from %s", s.Checksum(), cli.addr)
	return s, nil
}

func (cli *Client) dropSchema() {
	cli.lock.Lock()
	defer cli.lock.Unlock()
	if cli.schema != nil {
		cli.programs.DropSchema(cli.schema.Checksum())
		cli.schema = nil
	}
}

//-----------
// Mutations
//-----------

// Mutate encodes a mutation against the server's schema and applies it. It
// returns the record id, allocated by the server for a CREATE with id zero.
func (cli *Client) Mutate(ctx context.Context, typeName string, op core.OpKind, id core.RecordID, payload *value.Map) (core.RecordID, error) {
	st := time.Now()
	defer func() { cli.metricMutate.Observe(time.Since(st).Seconds()) }()

	var out core.RecordID
	err := cli.do(ctx, "mutate", func(int) error {
		s, err := cli.current(ctx)
		if err != nil {
			return err
		}
		td, err := s.Type(typeName)
		if err != nil {
			return err
		}
		res, err := modify.Encode(td, op, id, payload, cli.encode)
		if err != nil {
			return err
		}
		cli.metricSizes.Observe(float64(len(res.Bytes)))
		out, err = cli.mutateOnce(ctx, res.Bytes, s.Checksum())
		return err
	})
	return out, err
}

// MutateRecord applies a record encoded elsewhere. sum is the checksum of
// the schema it was encoded against. It is not re-encoded if the schema is
// stale.
func (cli *Client) MutateRecord(ctx context.Context, rec []byte, sum uint64) (core.RecordID, error) {
	var out core.RecordID
	err := cli.retrier.DoErr(ctx, func(int) error {
		var err error
		out, err = cli.mutateOnce(ctx, rec, sum)
		return err
	}, core.IsRetriable)
	return out, err
}

func (cli *Client) mutateOnce(ctx context.Context, rec []byte, sum uint64) (core.RecordID, error) {
	req := core.MutateReq{SchemaChecksum: sum, ReqID: rpc.GenID()}
	req.Set(rec, false)
	var reply core.MutateReply
	if err := cli.send(ctx, core.MutateMethod, &req, &reply); err != nil {
		return 0, err
	}
	return reply.ID, core.ReplyError(reply.Err, reply.Detail)
}

//---------
// Queries
//---------

// Query compiles d against the server's schema and runs it on the server. It
// returns the result and its checksum.
func (cli *Client) Query(ctx context.Context, d *query.Def) (value.Value, uint32, error) {
	st := time.Now()
	defer func() { cli.metricQuery.Observe(time.Since(st).Seconds()) }()

	var res value.Value
	var sum uint32
	err := cli.do(ctx, "query", func(int) error {
		s, err := cli.current(ctx)
		if err != nil {
			return err
		}
		prog, err := cli.programs.Compile(s, d)
		if err != nil {
			return err
		}
		res, sum, err = cli.RunProgram(ctx, prog)
		return err
	})
	return res, sum, err
}

// RunProgram runs a compiled program on the server once.
func (cli *Client) RunProgram(ctx context.Context, prog []byte) (value.Value, uint32, error) {
	req := core.QueryReq{ReqID: rpc.GenID()}
	req.Set(prog, false)
	var reply core.QueryReply
	if err := cli.send(ctx, core.QueryMethod, &req, &reply); err != nil {
		return nil, 0, err
	}
	if err := core.ReplyError(reply.Err, reply.Detail); err != nil {
		return nil, 0, err
	}
	res, err := value.ParseJSON(reply.Result)
	if err != nil {
		return nil, 0, core.ErrCorruptData.Errorf("query result: %s", err)
	}
	return res, reply.Checksum, nil
}

// Get returns the stored state of one record.
func (cli *Client) Get(ctx context.Context, typeName string, id core.RecordID) (*value.Map, error) {
	st := time.Now()
	defer func() { cli.metricGet.Observe(time.Since(st).Seconds()) }()

	var out *value.Map
	err := cli.retrier.DoErr(ctx, func(int) error {
		var reply core.GetReply
		if err := cli.send(ctx, core.GetMethod, core.GetReq{Type: typeName, ID: id}, &reply); err != nil {
			return err
		}
		if err := core.ReplyError(reply.Err, reply.Detail); err != nil {
			return err
		}
		v, err := value.ParseJSON(reply.Fields)
		if err != nil {
			return core.ErrCorruptData.Errorf("record: %s", err)
		}
		m, ok := v.(*value.Map)
		if !ok {
			return core.ErrCorruptData.Errorf("record is a %s", v.Kind())
		}
		out = m
		return nil
	}, core.IsRetriable)
	return out, err
}
