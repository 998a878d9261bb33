/*
 * This file is part of the isolink distribution (https://github.com/mlipscombe/isolink).
 * Copyright (c) 2021-2023 Mark Lipscombe.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, version 3.
 *
 * This program is distributed in the hope that it will be useful, but
 * WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the GNU
 * General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program. If not, see <http://www.gnu.org/licenses/>.
 */

package iso8583

import (
	"bytes"
	"encoding/binary"
)

const (
	mtiSize    = 4
	bitmapSize = 8
)

// Codec packs and unpacks messages with one dictionary. Instances are safe for
// concurrent use.
type Codec struct {
	dict *Dictionary
}

func NewCodec(d *Dictionary) *Codec { return &Codec{dict: d} }

func (c *Codec) Dictionary() *Dictionary { return c.dict }
func (c *Codec) Profile() Profile        { return c.dict.Profile() }

// Pack emits [MTI][primary bitmap][secondary bitmap?][fields...].
func (c *Codec) Pack(m *Message) ([]byte, error) {
	if len(m.MTI) != mtiSize || !isDigits(m.MTI) {
		return nil, protocolError(0, ErrInvalidMTI, "MTI %q must be 4 digits", m.MTI)
	}

	nums := m.FieldNumbers()
	var primary, secondary uint64
	for _, f := range nums {
		if _, ok := c.dict.Field(f); !ok {
			return nil, protocolError(f, ErrUnknownField, "no spec in %s dictionary", c.dict.Profile())
		}
		if f <= 64 {
			primary |= 1 << (64 - f)
		} else {
			secondary |= 1 << (128 - f)
		}
	}
	if secondary != 0 {
		primary |= 1 << 63
	}

	buf := bytes.NewBuffer(make([]byte, 0, 256))
	buf.WriteString(m.MTI)
	var bm [bitmapSize]byte
	binary.BigEndian.PutUint64(bm[:], primary)
	buf.Write(bm[:])
	if secondary != 0 {
		binary.BigEndian.PutUint64(bm[:], secondary)
		buf.Write(bm[:])
	}

	profile := c.dict.Profile()
	for _, f := range nums {
		spec, _ := c.dict.Field(f)
		if err := encodeField(buf, profile, spec, m.Fields[f]); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func encodeField(buf *bytes.Buffer, profile Profile, spec FieldSpec, value string) error {
	if spec.Class == Numeric && !isDigits(value) {
		return protocolError(spec.Num, nil, "non-numeric value %q", value)
	}
	if len(value) > spec.Length.Max {
		return protocolError(spec.Num, ErrInvalidLength, "length %d exceeds %s", len(value), spec.Length)
	}
	if spec.Length.Kind == Fixed {
		value = padFixed(spec, value)
	} else {
		writeLengthPrefix(buf, spec.Length.Kind, len(value))
	}
	encodeValue(buf, profile, spec.Class, value)
	return nil
}

// Unpack parses bytes produced by Pack. Every set bit must have a dictionary entry
// and the input must be consumed exactly.
func (c *Codec) Unpack(b []byte) (*Message, error) {
	r := &cursor{buf: b}
	mti, err := r.next(mtiSize, "MTI", 0)
	if err != nil {
		return nil, err
	}
	if !isDigits(string(mti)) {
		return nil, protocolError(0, ErrInvalidMTI, "MTI %q must be 4 digits", mti)
	}
	raw, err := r.next(bitmapSize, "primary bitmap", 0)
	if err != nil {
		return nil, err
	}
	primary := binary.BigEndian.Uint64(raw)
	var secondary uint64
	if primary&(1<<63) != 0 {
		if raw, err = r.next(bitmapSize, "secondary bitmap", 0); err != nil {
			return nil, err
		}
		secondary = binary.BigEndian.Uint64(raw)
	}

	present := func(f int) bool {
		if f <= 64 {
			return primary&(1<<(64-f)) != 0
		}
		return secondary&(1<<(128-f)) != 0
	}

	m := c.dict.NewMessage(string(mti))
	profile := c.dict.Profile()
	for f := 2; f <= MaxField; f++ {
		if !present(f) {
			continue
		}
		spec, ok := c.dict.Field(f)
		if !ok {
			return nil, protocolError(f, ErrUnknownField, "bit set but no spec in %s dictionary", profile)
		}
		v, err := decodeField(r, profile, spec)
		if err != nil {
			return nil, err
		}
		m.Fields[f] = v
	}
	if n := r.remaining(); n > 0 {
		return nil, protocolError(0, nil, "%d trailing bytes after last field", n)
	}
	return m, nil
}

func decodeField(r *cursor, profile Profile, spec FieldSpec) (string, error) {
	n := spec.Length.Max
	if spec.Length.Kind != Fixed {
		var err error
		if n, err = readLengthPrefix(r, spec); err != nil {
			return "", err
		}
	}
	raw, err := r.next(wireSize(profile, spec.Class, n), "value", spec.Num)
	if err != nil {
		return "", err
	}
	return decodeValue(spec, profile, raw, n)
}
