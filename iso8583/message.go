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
	"sort"
	"strings"
)

// Well known data elements.
const (
	FieldPAN            = 2
	FieldProcessingCode = 3
	FieldAmount         = 4
	FieldTransmission   = 7
	FieldSTAN           = 11
	FieldLocalTime      = 12
	FieldLocalDate      = 13
	FieldRRN            = 37
	FieldAuthID         = 38
	FieldResponseCode   = 39
	FieldTerminalID     = 41
	FieldMerchantID     = 42
	FieldCurrency       = 49
	FieldNetworkMgmt    = 70
)

// Message is an MTI plus a sparse map of field number to raw value.
// Binary data elements hold their raw bytes in the string.
type Message struct {
	MTI    string
	Fields map[int]string

	dict *Dictionary
}

// New creates an empty message that is not bound to a dictionary.
func New(mti string) *Message {
	return &Message{MTI: mti, Fields: make(map[int]string)}
}

// Dictionary returns the table the message is bound to, or nil.
func (m *Message) Dictionary() *Dictionary { return m.dict }

// Bind attaches the message to d, failing if any present field is not in the table.
func (m *Message) Bind(d *Dictionary) error {
	for f := range m.Fields {
		if !d.Has(f) {
			return protocolError(f, ErrUnknownField, "cannot bind to %s dictionary", d.Profile())
		}
	}
	m.dict = d
	return nil
}

// Set stores a field value. Bound messages reject fields outside their table.
func (m *Message) Set(field int, value string) error {
	if field < 2 || field > MaxField {
		return protocolError(field, ErrUnknownField, "field number out of range")
	}
	if m.dict != nil && !m.dict.Has(field) {
		return protocolError(field, ErrUnknownField, "cannot set")
	}
	m.Fields[field] = value
	return nil
}

// Get returns a field value and whether it is present.
func (m *Message) Get(field int) (string, bool) {
	if m.dict != nil && !m.dict.Has(field) {
		return "", false
	}
	v, ok := m.Fields[field]
	return v, ok
}

// GetTrimmed returns a field value with pad spaces removed, or "" when absent.
func (m *Message) GetTrimmed(field int) string {
	v, _ := m.Get(field)
	return strings.TrimSpace(v)
}

func (m *Message) Has(field int) bool {
	_, ok := m.Get(field)
	return ok
}

func (m *Message) Unset(field int) { delete(m.Fields, field) }

// FieldNumbers returns the present field numbers in ascending order.
func (m *Message) FieldNumbers() []int {
	nums := make([]int, 0, len(m.Fields))
	for f := range m.Fields {
		nums = append(nums, f)
	}
	sort.Ints(nums)
	return nums
}

// Clone returns a deep copy bound to the same dictionary.
func (m *Message) Clone() *Message {
	c := &Message{MTI: m.MTI, Fields: make(map[int]string, len(m.Fields)), dict: m.dict}
	for k, v := range m.Fields {
		c.Fields[k] = v
	}
	return c
}

// STAN returns field 11, or "" when absent.
func (m *Message) STAN() string { return m.GetTrimmed(FieldSTAN) }
