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
	"errors"
	"testing"
)

func TestSetGet(t *testing.T) {
	m := New("0100")
	if err := m.Set(FieldProcessingCode, "000000"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if v, ok := m.Get(FieldProcessingCode); !ok || v != "000000" {
		t.Fatalf("Get returned %q %v", v, ok)
	}
	if err := m.Set(1, "x"); err == nil {
		t.Fatalf("expected field 1 to be rejected")
	}
}

func TestBoundMessageRejectsUnknownFields(t *testing.T) {
	d, err := LoadDictionary(EmbeddedResources(), ProfileASCII)
	if err != nil {
		t.Fatalf("LoadDictionary: %v", err)
	}
	m := d.NewMessage("0200")
	if err := m.Set(99, "abc"); !errors.Is(err, ErrUnknownField) {
		t.Fatalf("expected ErrUnknownField, got %v", err)
	}
	m.Fields[99] = "abc"
	if _, ok := m.Get(99); ok {
		t.Fatalf("Get returned a field outside the dictionary")
	}

	free := New("0200")
	free.Fields[99] = "abc"
	if err := free.Bind(d); !errors.Is(err, ErrUnknownField) {
		t.Fatalf("expected Bind to fail, got %v", err)
	}
}

func TestCloneIsDeep(t *testing.T) {
	m := New("0200")
	m.Fields[FieldSTAN] = "000001"
	c := m.Clone()
	c.Fields[FieldSTAN] = "000002"
	if m.STAN() != "000001" {
		t.Fatalf("clone shares field map")
	}
}

func TestFieldNumbersSorted(t *testing.T) {
	m := New("0200")
	for _, f := range []int{102, 4, 70, 11} {
		m.Fields[f] = "1"
	}
	got := m.FieldNumbers()
	want := []int{4, 11, 70, 102}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("FieldNumbers = %v", got)
		}
	}
}
