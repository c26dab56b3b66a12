// Copyright (c) 2017 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package rpc

import (
	"bufio"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"net/rpc"

	"github.com/westerndigitalcorporation/rtdb/pkg/checksum"
)

/*

Bulk codec.

Encoded records, compiled programs and query results travel next to the gob
stream instead of inside it. A message on the wire is:

  +---------------+-------------+---------+----------+-----------+----------+
  | gob header    | gob body    | bulkLen | frameSum | bulk      | bulkSum  |
  |               |             | 4 B, LE | 4 B, LE  | bulkLen B | 4 B, LE  |
  +---------------+-------------+---------+----------+-----------+----------+

frameSum is the CRC-32C of everything before it. The last two parts are only
present when bulkLen is not zero. A bulkSum of zero is not checked.

Bodies carrying bulk data implement BulkData. Get must clear the field so gob
skips it. Whether a type implements BulkData is part of its wire format and
must not change. Request bodies are passed to Send as pointers.

*/

// MaxBulkLen is the largest bulk payload a codec accepts.
const MaxBulkLen = 64 << 20

// BulkData exposes one field of a message as bulk data. exclusive is true if
// the slice is owned by the message and may be recycled.
type BulkData interface {
	Get() (b []byte, exclusive bool)
	Set(b []byte, exclusive bool)
}

var (
	errChecksumMismatch = errors.New("checksum mismatch in rpc")
	errBulkTooBig       = fmt.Errorf("bulk data over %d bytes in rpc", MaxBulkLen)
)

// bulkGobCodec is both an rpc.ClientCodec and an rpc.ServerCodec. gob reads
// and writes go through the codec itself so they are summed on the way.
type bulkGobCodec struct {
	rwc io.ReadWriteCloser

	r   *bufio.Reader
	dec *gob.Decoder
	w   *bufio.Writer
	enc *gob.Encoder

	// Running sums of what was read and written since the last reset.
	rsum, wsum uint32
	closed     bool
}

func newBulkGobCodec(conn io.ReadWriteCloser) *bulkGobCodec {
	c := &bulkGobCodec{rwc: conn, r: bufio.NewReader(conn), w: bufio.NewWriter(conn)}
	c.dec = gob.NewDecoder(c)
	c.enc = gob.NewEncoder(c)
	return c
}

func (c *bulkGobCodec) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.wsum = checksum.Update(c.wsum, p[:n])
	return n, err
}

func (c *bulkGobCodec) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.rsum = checksum.Update(c.rsum, p[:n])
	return n, err
}

// ReadByte makes gob take the codec for a buffered reader, which it is, so
// gob doesn't add a buffer of its own. gob never calls it.
func (c *bulkGobCodec) ReadByte() (byte, error) {
	panic("not implemented")
}

func (c *bulkGobCodec) WriteRequest(r *rpc.Request, body interface{}) error {
	return c.writeOrClose(r, body)
}

func (c *bulkGobCodec) WriteResponse(r *rpc.Response, body interface{}) error {
	return c.writeOrClose(r, body)
}

func (c *bulkGobCodec) ReadRequestHeader(r *rpc.Request) error {
	c.rsum = 0
	return c.dec.Decode(r)
}

func (c *bulkGobCodec) ReadResponseHeader(r *rpc.Response) error {
	c.rsum = 0
	return c.dec.Decode(r)
}

func (c *bulkGobCodec) ReadRequestBody(body interface{}) error {
	return c.readBody(body)
}

func (c *bulkGobCodec) ReadResponseBody(body interface{}) error {
	return c.readBody(body)
}

// Close closes the connection once.
func (c *bulkGobCodec) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	return c.rwc.Close()
}

func (c *bulkGobCodec) writeOrClose(head, body interface{}) error {
	err := c.write(head, body)
	if err != nil {
		c.Close()
	}
	return err
}

func (c *bulkGobCodec) putUint32(v uint32) error {
	return binary.Write(c, binary.LittleEndian, v)
}

func (c *bulkGobCodec) getUint32() (uint32, error) {
	var v uint32
	err := binary.Read(c, binary.LittleEndian, &v)
	return v, err
}

func (c *bulkGobCodec) write(head, body interface{}) error {
	var bulk []byte
	if bb, ok := body.(BulkData); ok {
		var exclusive bool
		bulk, exclusive = bb.Get()
		// The caller may still look at it.
		defer bb.Set(bulk, exclusive)
	}
	if len(bulk) > MaxBulkLen {
		return errBulkTooBig
	}

	c.wsum = 0
	if err := c.enc.Encode(head); err != nil {
		return err
	}
	if err := c.enc.Encode(body); err != nil {
		return err
	}
	if err := c.putUint32(uint32(len(bulk))); err != nil {
		return err
	}
	if err := c.putUint32(c.wsum); err != nil {
		return err
	}
	if len(bulk) != 0 {
		// Large writes bypass the bufio buffer, so bulk isn't copied again.
		c.wsum = 0
		if _, err := c.Write(bulk); err != nil {
			return err
		}
		if err := c.putUint32(c.wsum); err != nil {
			return err
		}
	}
	return c.w.Flush()
}

// readBody reads the gob body into body and the bulk data that follows it.
// A nil body discards the message; its bytes are still consumed.
func (c *bulkGobCodec) readBody(body interface{}) error {
	bb, isBulk := body.(BulkData)
	var buf []byte
	var exclusive bool
	if isBulk {
		// Reuse a slice the body already holds.
		buf, exclusive = bb.Get()
	}

	if err := c.dec.Decode(body); err != nil {
		return err
	}
	n, err := c.getUint32()
	if err != nil {
		return err
	}
	have := c.rsum
	want, err := c.getUint32()
	if err != nil {
		return err
	}
	if want != have {
		return errChecksumMismatch
	}
	if n == 0 {
		return nil
	}
	if n > MaxBulkLen {
		return errBulkTooBig
	}

	if cap(buf) >= int(n) {
		buf = buf[:n]
	} else {
		buf, exclusive = GetBuffer(int(n)), true
	}
	c.rsum = 0
	if _, err := io.ReadFull(c, buf); err != nil {
		return err
	}
	have = c.rsum
	if want, err = c.getUint32(); err != nil {
		return err
	}
	if want != 0 && want != have {
		return errChecksumMismatch
	}

	switch {
	case isBulk:
		bb.Set(buf, exclusive)
	case body == nil:
		PutBuffer(buf, exclusive)
	default:
		PutBuffer(buf, exclusive)
		return fmt.Errorf("type %T doesn't implement BulkData", body)
	}
	return nil
}
