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

// Package frame wraps packed ISO8583 bodies for the switch link:
//
//	[u16 big-endian body length][5-byte routing header][body]
package frame

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

const (
	LengthSize = 2
	HeaderSize = 5
	Overhead   = LengthSize + HeaderSize
	MaxBody    = 0xFFFF
)

// DefaultHeader is the routing header (TPDU) this link expects ahead of every body.
var DefaultHeader = [HeaderSize]byte{0x60, 0x00, 0x03, 0x00, 0x00}

var (
	ErrShortFrame = errors.New("frame: shorter than length and routing header")
	ErrBodySize   = errors.New("frame: body length out of range")
)

// Builder frames and unframes bodies for one link.
type Builder struct {
	Header [HeaderSize]byte
}

func NewBuilder() *Builder { return &Builder{Header: DefaultHeader} }

// ParseHeader decodes a routing header given as 10 hex characters.
func ParseHeader(s string) ([HeaderSize]byte, error) {
	var h [HeaderSize]byte
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("routing header %q: %w", s, err)
	}
	if len(b) != HeaderSize {
		return h, fmt.Errorf("routing header %q: need %d bytes, got %d", s, HeaderSize, len(b))
	}
	copy(h[:], b)
	return h, nil
}

// ToFrame returns [len(body)][header][body].
func (b *Builder) ToFrame(body []byte) ([]byte, error) {
	if len(body) == 0 || len(body) > MaxBody {
		return nil, fmt.Errorf("%w: %d", ErrBodySize, len(body))
	}
	out := make([]byte, Overhead+len(body))
	binary.BigEndian.PutUint16(out[:LengthSize], uint16(len(body)))
	copy(out[LengthSize:Overhead], b.Header[:])
	copy(out[Overhead:], body)
	return out, nil
}

// FromFrame strips the length and routing header unconditionally and returns the body.
func (b *Builder) FromFrame(f []byte) ([]byte, error) {
	if len(f) < Overhead {
		return nil, ErrShortFrame
	}
	return f[Overhead:], nil
}

// ReadFrame reads exactly one frame from r, header included.
func (b *Builder) ReadFrame(r io.Reader) ([]byte, error) {
	var lb [LengthSize]byte
	if _, err := io.ReadFull(r, lb[:]); err != nil {
		return nil, fmt.Errorf("read frame length: %w", err)
	}
	n := int(binary.BigEndian.Uint16(lb[:]))
	if n == 0 {
		return nil, fmt.Errorf("%w: 0", ErrBodySize)
	}
	f := make([]byte, Overhead+n)
	copy(f, lb[:])
	if _, err := io.ReadFull(r, f[LengthSize:]); err != nil {
		return nil, fmt.Errorf("read frame body: %w", err)
	}
	return f, nil
}

// WriteFrame frames body and writes it to w in one call.
func (b *Builder) WriteFrame(w io.Writer, body []byte) error {
	f, err := b.ToFrame(body)
	if err != nil {
		return err
	}
	if _, err := w.Write(f); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}
