// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package modify

import (
	"github.com/westerndigitalcorporation/rtdb/internal/core"
	"github.com/westerndigitalcorporation/rtdb/internal/schema"
	"github.com/westerndigitalcorporation/rtdb/pkg/value"
)

// Apply folds a decoded mutation into the stored state of its record and
// returns the new state. state is not modified. CREATE replaces the state,
// UPDATE and MERGE_MAIN overlay the properties they carry, DELETE returns nil.
// References in add mode are appended to the stored list, skipping ids it
// holds already; in overwrite mode they replace it.
func Apply(state *value.Map, rec *Record) *value.Map {
	switch rec.Op {
	case core.OpDelete:
		return nil
	case core.OpCreate:
		state = value.NewMap()
	default:
		if state == nil {
			state = value.NewMap()
		} else {
			state = state.Clone()
		}
	}
	for _, p := range rec.Type.Props {
		v, ok := rec.Props[p.ID]
		if !ok {
			continue
		}
		if p.Wire == core.WireReferences && rec.Modes[p.ID] == core.RefsAdd {
			old, _ := state.Path(p.Keys)
			v = unionRefs(old, v)
		}
		state.SetPath(p.Keys, value.Clone(v))
	}
	return state
}

// ApplyMain folds a delta map, as returned in Result.Main, into state. The
// delta doesn't carry references modes, so mode says how references combine.
func ApplyMain(td *schema.TypeDef, state, main *value.Map, mode core.ReferencesMode) *value.Map {
	if state == nil {
		state = value.NewMap()
	} else {
		state = state.Clone()
	}
	for _, e := range main.Entries() {
		p := td.Prop(e.Key)
		if p == nil {
			continue
		}
		v := e.Value
		if p.Wire == core.WireReferences && mode == core.RefsAdd {
			old, _ := state.Path(p.Keys)
			v = unionRefs(old, v)
		}
		state.SetPath(p.Keys, value.Clone(v))
	}
	return state
}

func unionRefs(old, add value.Value) value.Value {
	have, _ := old.(value.List)
	out := append(value.List(nil), have...)
	seen := make(map[value.Int]bool, len(have))
	for _, v := range have {
		if i, ok := v.(value.Int); ok {
			seen[i] = true
		}
	}
	for _, v := range add.(value.List) {
		i := v.(value.Int)
		if !seen[i] {
			seen[i] = true
			out = append(out, i)
		}
	}
	return out
}

// Snapshot encodes the full state of a record as a CREATE record. This is the
// form records are stored in. Validation is off: the state was validated when
// each mutation was encoded.
func Snapshot(td *schema.TypeDef, id core.RecordID, state *value.Map, max int) ([]byte, error) {
	opts := Options{InitialSize: 64 + td.MainLen, Max: max, Overwrite: true}
	res, err := Encode(td, core.OpCreate, id, state, opts)
	if err != nil {
		return nil, err
	}
	return res.Bytes, nil
}

// Load decodes a stored snapshot into its state.
func Load(s *schema.Schema, b []byte) (*Record, *value.Map, error) {
	rec, err := Decode(s, b)
	if err != nil {
		return nil, nil, err
	}
	if rec.Op != core.OpCreate {
		return nil, nil, core.ErrCorruptData.Errorf("stored %s record %d is a %s, not a snapshot", rec.Type.Name, rec.ID, rec.Op)
	}
	return rec, rec.Fields(), nil
}
