// Copyright (c) 2017 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package rpc

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"net/rpc"
	"time"
)

// dialHTTPContext connects to the Server.ServeHTTP end at address and returns
// a client speaking the bulk codec over the hijacked connection. ctx bounds
// both the dial and the CONNECT handshake.
func dialHTTPContext(ctx context.Context, network, address string) (*rpc.Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	if dl, ok := ctx.Deadline(); ok {
		conn.SetDeadline(dl)
	}
	if err = handshake(conn); err != nil {
		conn.Close()
		return nil, &net.OpError{Op: "dial-http", Net: network + " " + address, Err: err}
	}
	conn.SetDeadline(time.Time{})
	return rpc.NewClientWithCodec(newBulkGobCodec(conn)), nil
}

// handshake sends CONNECT and waits for the server to switch protocols.
func handshake(conn net.Conn) error {
	if _, err := fmt.Fprintf(conn, "CONNECT %s HTTP/1.0\n\n", BulkRPCPath); err != nil {
		return err
	}
	resp, err := http.ReadResponse(bufio.NewReader(conn), &http.Request{Method: "CONNECT"})
	if err != nil {
		return err
	}
	if resp.Status != connectedStatus {
		return fmt.Errorf("unexpected HTTP response: %s", resp.Status)
	}
	return nil
}
