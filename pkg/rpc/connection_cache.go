// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package rpc

import (
	"context"
	"errors"
	"net/rpc"
	"sync"
	"time"

	"github.com/golang/groupcache/lru"

	log "github.com/golang/glog"
)

// ErrorRPCConnect is returned if we can't connect to the RPC server.
var ErrorRPCConnect = errors.New("RPC couldn't connect")

// ConnectionCache creates and caches RPC connections to addresses.
//
// ConnectionCache is thread-safe.
type ConnectionCache struct {
	// Protects conns.
	lock sync.Mutex

	// Holds open connections, keyed by address.
	conns *lru.Cache

	// What timeout to use for dialing.
	dialTimeout time.Duration

	// What timeout to use for calling RPCs.
	rpcTimeout time.Duration
}

// NewConnectionCache makes a new ConnectionCache. dialTimeout is the timeout
// used for connecting. maxConns is the size of the cache. If we have more than
// that many connections, we may drop idle connections. If maxConns is zero,
// we never drop idle connections.
func NewConnectionCache(dialTimeout, rpcTimeout time.Duration, maxConns int) *ConnectionCache {
	if maxConns < 0 {
		log.Fatalf("max connections can not be negative")
	}
	conns := lru.New(maxConns)
	conns.OnEvicted = onConnEvicted
	return &ConnectionCache{
		conns:       conns,
		dialTimeout: dialTimeout,
		rpcTimeout:  rpcTimeout,
	}
}

// get returns a connection to addr, dialing if there is none. The caller
// MUST call done once the call has completed.
func (cc *ConnectionCache) get(ctx context.Context, addr string) (*refCntClient, error) {
	cc.lock.Lock()
	if v, ok := cc.conns.Get(addr); ok {
		rc := v.(*refCntClient)
		rc.count++
		cc.lock.Unlock()
		return rc, nil
	}

	// Dial without the lock.
	cc.lock.Unlock()
	nctx, cancel := context.WithTimeout(ctx, cc.dialTimeout)
	defer cancel()
	rpcc, err := dialHTTPContext(nctx, "tcp", addr)
	if err != nil {
		log.Infof("error connecting to %s: %s", addr, err)
		return nil, err
	}

	cc.lock.Lock()
	defer cc.lock.Unlock()
	// Somebody else may have connected in parallel, use theirs.
	if v, ok := cc.conns.Get(addr); ok {
		rc := v.(*refCntClient)
		rc.count++
		rpcc.Close()
		log.V(1).Infof("established duplicate connection to %s, dropping", addr)
		return rc, nil
	}

	log.Infof("established connection to %s", addr)

	// Both the LRU cache and the caller hold a reference.
	rc := &refCntClient{count: 2, clt: rpcc}
	cc.conns.Add(addr, rc)
	return rc, nil
}

// done drops the caller's reference. If the call failed at the RPC level
// the connection is removed from the cache so the next call reconnects.
func (cc *ConnectionCache) done(addr string, oldConn *refCntClient, err error) {
	cc.lock.Lock()
	defer cc.lock.Unlock()
	if oldConn.decAndMaybeClose() {
		// Already out of the cache and nobody is using it.
		return
	}
	if err == nil {
		return
	}

	// An earlier failing call may already have removed this client and a new
	// one may be cached. Only remove it if it's still ours, so each client is
	// closed once.
	if newConn, ok := cc.conns.Get(addr); ok && newConn == oldConn {
		cc.conns.Remove(addr)
		log.Errorf("connection to %s lost (%s)", addr, err)
	} else {
		log.Errorf("connection to %s lost (%s) (not in cache)", addr, err)
	}
}

// Send calls method on addr, bounded by the cache's RPC timeout. A connection
// found shut down is redialed once.
func (cc *ConnectionCache) Send(ctx context.Context, addr, method string, req, reply interface{}) error {
	nctx, cancel := context.WithTimeout(ctx, cc.rpcTimeout)
	defer cancel()
	err := cc.send(nctx, addr, method, req, reply)
	if err == rpc.ErrShutdown {
		// The server reset the connection or it was closed under us.
		err = cc.send(nctx, addr, method, req, reply)
	}
	return err
}

func (cc *ConnectionCache) send(ctx context.Context, addr, method string, req, reply interface{}) error {
	rc, err := cc.get(ctx, addr)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrorRPCConnect
	}

	call := rc.clt.Go(method, req, reply, make(chan *rpc.Call, 1))
	select {
	case <-call.Done:
		// Only transport failures say anything about the connection.
		var rpcErr error
		if _, isServerErr := call.Error.(rpc.ServerError); call.Error != nil && !isServerErr {
			rpcErr = call.Error
		}
		cc.done(addr, rc, rpcErr)
		return call.Error
	case <-ctx.Done():
		log.Errorf("rpc %q to %s: %s", method, addr, ctx.Err())
		cc.done(addr, rc, nil)
		return ctx.Err()
	}
}

// Len returns the number of cached connections.
func (cc *ConnectionCache) Len() int {
	cc.lock.Lock()
	defer cc.lock.Unlock()
	return cc.conns.Len()
}

// Remove removes and closes a connection from the cache if a connection to
// "addr" exists.
func (cc *ConnectionCache) Remove(addr string) {
	cc.lock.Lock()
	cc.conns.Remove(addr)
	cc.lock.Unlock()
}

// CloseAll drops every connection. Each is closed once its last call is done.
func (cc *ConnectionCache) CloseAll() {
	cc.lock.Lock()
	defer cc.lock.Unlock()
	for cc.conns.Len() > 0 {
		cc.conns.RemoveOldest()
	}
}

func onConnEvicted(key lru.Key, val interface{}) {
	log.V(2).Infof("%s has been evicted from connection cache, closing the connection", key)
	// Called from the LRU, which is only used with cc.lock held.
	val.(*refCntClient).decAndMaybeClose()
}

// refCntClient wraps an RPC client with a reference count so we know when to
// close the connection.
type refCntClient struct {
	// Number of holders, the cache included. Guarded by the cache lock.
	count int

	clt *rpc.Client
}

// decAndMaybeClose drops a reference and closes the client on the last one.
// The cache lock must be held.
func (c *refCntClient) decAndMaybeClose() (closed bool) {
	c.count--
	if c.count == 0 {
		c.clt.Close()
		return true
	}
	return false
}
