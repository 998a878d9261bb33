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
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// cursor walks an input buffer, failing with ErrTruncated instead of panicking.
type cursor struct {
	buf []byte
	off int
}

func (c *cursor) next(n int, what string, field int) ([]byte, error) {
	if n < 0 || c.off+n > len(c.buf) {
		return nil, protocolError(field, ErrTruncated, "reading %s: need %d bytes, have %d", what, n, len(c.buf)-c.off)
	}
	b := c.buf[c.off : c.off+n]
	c.off += n
	return b, nil
}

func (c *cursor) remaining() int { return len(c.buf) - c.off }

// Length prefix helpers

func prefixDigits(kind LengthKind) int {
	switch kind {
	case Var2:
		return 2
	case Var3:
		return 3
	}
	return 0
}

func writeLengthPrefix(buf *bytes.Buffer, kind LengthKind, n int) {
	fmt.Fprintf(buf, "%0*d", prefixDigits(kind), n)
}

func readLengthPrefix(c *cursor, spec FieldSpec) (int, error) {
	digits := prefixDigits(spec.Length.Kind)
	raw, err := c.next(digits, "length prefix", spec.Num)
	if err != nil {
		return 0, err
	}
	if !isDigits(string(raw)) {
		return 0, protocolError(spec.Num, ErrInvalidLength, "unparseable length prefix %q", raw)
	}
	n, err := strconv.Atoi(string(raw))
	if err != nil {
		return 0, protocolError(spec.Num, ErrInvalidLength, "unparseable length prefix %q", raw)
	}
	if n > spec.Length.Max {
		return 0, protocolError(spec.Num, ErrInvalidLength, "length %d exceeds max %d", n, spec.Length.Max)
	}
	return n, nil
}

// Value helpers

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func padFixed(spec FieldSpec, value string) string {
	missing := spec.Length.Max - len(value)
	if missing <= 0 {
		return value
	}
	switch spec.Class {
	case Numeric:
		return strings.Repeat("0", missing) + value
	case Binary:
		return value + strings.Repeat("\x00", missing)
	}
	return value + strings.Repeat(" ", missing)
}

// wireSize is the number of body bytes a value of n characters occupies.
func wireSize(profile Profile, class DataClass, n int) int {
	switch {
	case class == Numeric && profile == ProfileBinary:
		return (n + 1) / 2
	case class == Binary && profile == ProfileASCII:
		return 2 * n
	}
	return n
}

func encodeValue(buf *bytes.Buffer, profile Profile, class DataClass, value string) {
	switch {
	case class == Numeric && profile == ProfileBinary:
		buf.Write(packBCD(value))
	case class == Binary && profile == ProfileASCII:
		buf.WriteString(strings.ToUpper(hex.EncodeToString([]byte(value))))
	default:
		buf.WriteString(value)
	}
}

func decodeValue(spec FieldSpec, profile Profile, raw []byte, n int) (string, error) {
	switch {
	case spec.Class == Numeric && profile == ProfileBinary:
		v, err := unpackBCD(raw, n)
		if err != nil {
			return "", protocolError(spec.Num, err, "bad BCD value")
		}
		return v, nil
	case spec.Class == Binary && profile == ProfileASCII:
		v, err := hex.DecodeString(string(raw))
		if err != nil {
			return "", protocolError(spec.Num, err, "bad hex value")
		}
		return string(v), nil
	case spec.Class == Numeric && !isDigits(string(raw)):
		return "", protocolError(spec.Num, nil, "non-numeric value %q", raw)
	}
	return string(raw), nil
}

// packBCD packs decimal digits two per byte, left-padding odd lengths with a zero nibble.
func packBCD(digits string) []byte {
	if len(digits)%2 == 1 {
		digits = "0" + digits
	}
	out := make([]byte, len(digits)/2)
	for i := 0; i < len(out); i++ {
		out[i] = (digits[2*i]-'0')<<4 | (digits[2*i+1] - '0')
	}
	return out
}

// unpackBCD expands raw into n digits, dropping the pad nibble of odd lengths.
func unpackBCD(raw []byte, n int) (string, error) {
	var sb strings.Builder
	sb.Grow(len(raw) * 2)
	for _, b := range raw {
		hi, lo := b>>4, b&0x0f
		if hi > 9 || lo > 9 {
			return "", fmt.Errorf("nibble out of range in 0x%02x", b)
		}
		sb.WriteByte('0' + hi)
		sb.WriteByte('0' + lo)
	}
	s := sb.String()
	return s[len(s)-n:], nil
}
