// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package store

import (
	"bufio"
	"encoding/binary"
	"io"

	log "github.com/golang/glog"
	"github.com/golang/snappy"

	"github.com/westerndigitalcorporation/rtdb/internal/core"
)

const (
	// The magic number that validates if a dump is valid.
	dumpMagic uint32 = 0x52544442

	dumpVersion uint32 = 1

	restoreBatch = 256
)

// Entry kinds in the compressed body of a dump.
const (
	kindEnd    byte = 0
	kindRecord byte = 1
	kindMeta   byte = 2
)

// Dump writes every record of s, and the metadata blobs named in meta, to w.
//
// A dump has the following format:
//
//	   4 bytes        4 bytes          the rest
//	-----------------------------------------------------------
//	| magic number | dump version | ...snappy stream of entries... |
//	-----------------------------------------------------------
//
// Entries are [1][key:6][len:4][record] or [2][nameLen:2][name][len:4][blob],
// closed by a single 0 byte. Integers are big endian.
func Dump(s Store, w io.Writer, meta ...string) (records int, err error) {
	if err := binary.Write(w, binary.BigEndian, dumpMagic); err != nil {
		return 0, ioError("dump header", err)
	}
	if err := binary.Write(w, binary.BigEndian, dumpVersion); err != nil {
		return 0, ioError("dump header", err)
	}

	sw := snappy.NewBufferedWriter(w)
	for _, name := range meta {
		data, err := s.GetMeta(name)
		if err != nil {
			return 0, err
		}
		if data == nil {
			continue
		}
		hdr := []byte{kindMeta}
		hdr = binary.BigEndian.AppendUint16(hdr, uint16(len(name)))
		hdr = append(hdr, name...)
		hdr = binary.BigEndian.AppendUint32(hdr, uint32(len(data)))
		if err := writeAll(sw, hdr, data); err != nil {
			return 0, err
		}
	}
	err = s.Each(func(key core.RecordKey, data []byte) error {
		hdr := append([]byte{kindRecord}, key.Bytes()...)
		hdr = binary.BigEndian.AppendUint32(hdr, uint32(len(data)))
		records++
		return writeAll(sw, hdr, data)
	})
	if err != nil {
		return records, err
	}
	if err := writeAll(sw, []byte{kindEnd}); err != nil {
		return records, err
	}
	if err := sw.Close(); err != nil {
		return records, ioError("dump", err)
	}
	log.Infof("dumped %d records", records)
	return records, nil
}

func writeAll(w io.Writer, parts ...[]byte) error {
	for _, p := range parts {
		if _, err := w.Write(p); err != nil {
			return ioError("dump", err)
		}
	}
	return nil
}

// Restore loads a dump made by Dump into s. Records overwrite what's stored
// under their keys and id sequences are moved past the restored ids.
func Restore(s Store, r io.Reader) (records int, err error) {
	var m, v uint32
	if err := binary.Read(r, binary.BigEndian, &m); err != nil {
		return 0, core.ErrCorruptData.Errorf("dump header: %s", err)
	}
	if m != dumpMagic {
		return 0, core.ErrCorruptData.Errorf("mismatch on magic number, probably not a dump")
	}
	if err := binary.Read(r, binary.BigEndian, &v); err != nil {
		return 0, core.ErrCorruptData.Errorf("dump header: %s", err)
	}
	if v != dumpVersion {
		return 0, core.ErrCorruptData.Errorf("dump with version %d can not be handled", v)
	}

	br := bufio.NewReader(snappy.NewReader(r))
	read := func(n int) ([]byte, error) {
		b := make([]byte, n)
		if _, err := io.ReadFull(br, b); err != nil {
			return nil, core.ErrCorruptData.Errorf("dump truncated: %s", err)
		}
		return b, nil
	}
	readLen := func(n int) (int, error) {
		b, err := read(n)
		if err != nil {
			return 0, err
		}
		if n == 2 {
			return int(binary.BigEndian.Uint16(b)), nil
		}
		return int(binary.BigEndian.Uint32(b)), nil
	}

	var batch []Entry
	maxID := make(map[core.Prefix]core.RecordID)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		err := s.Write(batch)
		batch = batch[:0]
		return err
	}

	for {
		kind, err := br.ReadByte()
		if err != nil {
			return records, core.ErrCorruptData.Errorf("dump truncated: %s", err)
		}
		switch kind {
		case kindEnd:
			if err := flush(); err != nil {
				return records, err
			}
			for p, id := range maxID {
				if err := s.ReserveID(p, id); err != nil {
					return records, err
				}
			}
			log.Infof("restored %d records", records)
			return records, nil

		case kindMeta:
			n, err := readLen(2)
			if err != nil {
				return records, err
			}
			name, err := read(n)
			if err != nil {
				return records, err
			}
			if n, err = readLen(4); err != nil {
				return records, err
			}
			data, err := read(n)
			if err != nil {
				return records, err
			}
			if err := s.PutMeta(string(name), data); err != nil {
				return records, err
			}

		case kindRecord:
			kb, err := read(core.RecordKeyLen)
			if err != nil {
				return records, err
			}
			key, err := core.RecordKeyFromBytes(kb)
			if err != nil {
				return records, core.ErrCorruptData.Errorf("dump key %x", kb)
			}
			n, err := readLen(4)
			if err != nil {
				return records, err
			}
			data, err := read(n)
			if err != nil {
				return records, err
			}
			batch = append(batch, Entry{Key: key, Data: data})
			if key.ID > maxID[key.Prefix] {
				maxID[key.Prefix] = key.ID
			}
			records++
			if len(batch) == restoreBatch {
				if err := flush(); err != nil {
					return records, err
				}
			}

		default:
			return records, core.ErrCorruptData.Errorf("unknown dump entry kind %d", kind)
		}
	}
}
