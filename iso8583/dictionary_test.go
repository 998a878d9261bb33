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
	"io/fs"
	"testing"
	"testing/fstest"
)

func TestEmbeddedDictionaries(t *testing.T) {
	for _, p := range []Profile{ProfileASCII, ProfileBinary} {
		d, err := LoadDictionary(EmbeddedResources(), p)
		if err != nil {
			t.Fatalf("LoadDictionary(%s): %v", p, err)
		}
		spec, ok := d.Field(FieldSTAN)
		if !ok {
			t.Fatalf("%s: missing STAN spec", p)
		}
		if spec.Class != Numeric || spec.Length != (LengthRule{Kind: Fixed, Max: 6}) {
			t.Fatalf("%s: STAN spec %+v", p, spec)
		}
		if d.Len() < 40 {
			t.Fatalf("%s: only %d fields loaded", p, d.Len())
		}
	}
}

func TestLoadDictionaryFallback(t *testing.T) {
	data, err := fs.ReadFile(EmbeddedResources(), "binary.yaml")
	if err != nil {
		t.Fatalf("read embedded: %v", err)
	}
	fsys := fstest.MapFS{"binary.yaml": &fstest.MapFile{Data: data}}

	d, err := LoadDictionary(fsys, ProfileASCII)
	if err != nil {
		t.Fatalf("expected fallback, got %v", err)
	}
	if d.Profile() != ProfileBinary {
		t.Fatalf("fallback profile %s", d.Profile())
	}
}

func TestLoadDictionaryBothMissing(t *testing.T) {
	_, err := LoadDictionary(fstest.MapFS{}, ProfileASCII)
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
}

func TestLoadDictionaryMalformedDoesNotFallBack(t *testing.T) {
	fsys := fstest.MapFS{
		"ascii.yaml":  &fstest.MapFile{Data: []byte("profile: ascii\nfields:\n  - {num: 3, class: q, length: \"fixed:6\"}\n")},
		"binary.yaml": &fstest.MapFile{Data: []byte("profile: binary\nfields: []\n")},
	}
	if _, err := LoadDictionary(fsys, ProfileASCII); err == nil {
		t.Fatalf("expected error for bad data class")
	}
}

func TestNewDictionaryRejects(t *testing.T) {
	tests := []struct {
		name  string
		specs []FieldSpec
	}{
		{"duplicate", []FieldSpec{
			{Num: 3, Class: Numeric, Length: LengthRule{Fixed, 6}},
			{Num: 3, Class: Numeric, Length: LengthRule{Fixed, 6}},
		}},
		{"bitmap field", []FieldSpec{{Num: 1, Class: Binary, Length: LengthRule{Fixed, 8}}}},
		{"out of range", []FieldSpec{{Num: 129, Class: Binary, Length: LengthRule{Fixed, 8}}}},
		{"zero length", []FieldSpec{{Num: 4, Class: Numeric, Length: LengthRule{Fixed, 0}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewDictionary(ProfileASCII, tt.specs); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestParseLengthRule(t *testing.T) {
	tests := []struct {
		in      string
		want    LengthRule
		wantErr bool
	}{
		{"fixed:6", LengthRule{Fixed, 6}, false},
		{"llvar:19", LengthRule{Var2, 19}, false},
		{"LLLVAR:999", LengthRule{Var3, 999}, false},
		{"llvar:100", LengthRule{}, true},
		{"lllvar:1000", LengthRule{}, true},
		{"fixed", LengthRule{}, true},
		{"zigzag:3", LengthRule{}, true},
	}
	for _, tt := range tests {
		got, err := ParseLengthRule(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLengthRule(%q) err = %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseLengthRule(%q) = %+v, want %+v", tt.in, got, tt.want)
		}
	}
}

func TestParseProfile(t *testing.T) {
	if p, err := ParseProfile(" ASCII "); err != nil || p != ProfileASCII {
		t.Fatalf("ParseProfile ascii: %v %v", p, err)
	}
	if _, err := ParseProfile("ebcdic"); err == nil {
		t.Fatalf("expected error for ebcdic")
	}
	if ProfileASCII.Other() != ProfileBinary || ProfileBinary.Other() != ProfileASCII {
		t.Fatalf("Other() mismatch")
	}
}
