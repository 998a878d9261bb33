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
	"fmt"
	"strconv"
	"strings"
)

// MaxField is the highest data element number addressable with a secondary bitmap.
const MaxField = 128

// DataClass is the content class of a data element.
type DataClass int

const (
	Numeric      DataClass = iota // digits only
	Alphanumeric                  // printable ASCII
	Binary                        // raw bytes
)

func (c DataClass) String() string {
	switch c {
	case Numeric:
		return "n"
	case Alphanumeric:
		return "ans"
	case Binary:
		return "b"
	}
	return fmt.Sprintf("DataClass(%d)", int(c))
}

// ParseDataClass accepts the short ISO notation (n, an, ans, b) or the long name.
func ParseDataClass(s string) (DataClass, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "n", "numeric":
		return Numeric, nil
	case "a", "an", "ans", "alphanumeric":
		return Alphanumeric, nil
	case "b", "binary":
		return Binary, nil
	}
	return 0, fmt.Errorf("unknown data class %q", s)
}

// LengthKind says how the length of a data element is carried on the wire.
type LengthKind int

const (
	Fixed LengthKind = iota
	Var2             // LLVAR, 2-digit length prefix
	Var3             // LLLVAR, 3-digit length prefix
)

// LengthRule is a length kind plus the fixed length (Fixed) or maximum length (Var2/Var3).
type LengthRule struct {
	Kind LengthKind
	Max  int
}

func (r LengthRule) String() string {
	switch r.Kind {
	case Var2:
		return fmt.Sprintf("llvar:%d", r.Max)
	case Var3:
		return fmt.Sprintf("lllvar:%d", r.Max)
	}
	return fmt.Sprintf("fixed:%d", r.Max)
}

// ParseLengthRule parses "fixed:6", "llvar:19" or "lllvar:999".
func ParseLengthRule(s string) (LengthRule, error) {
	kind, size, ok := strings.Cut(strings.ToLower(strings.TrimSpace(s)), ":")
	if !ok {
		return LengthRule{}, fmt.Errorf("length rule %q: expected <kind>:<length>", s)
	}
	n, err := strconv.Atoi(size)
	if err != nil || n <= 0 {
		return LengthRule{}, fmt.Errorf("length rule %q: invalid length", s)
	}
	var rule LengthRule
	switch kind {
	case "fixed":
		rule = LengthRule{Kind: Fixed, Max: n}
	case "llvar", "var2":
		if n > 99 {
			return LengthRule{}, fmt.Errorf("length rule %q: llvar max is 99", s)
		}
		rule = LengthRule{Kind: Var2, Max: n}
	case "lllvar", "var3":
		if n > 999 {
			return LengthRule{}, fmt.Errorf("length rule %q: lllvar max is 999", s)
		}
		rule = LengthRule{Kind: Var3, Max: n}
	default:
		return LengthRule{}, fmt.Errorf("length rule %q: unknown kind %q", s, kind)
	}
	return rule, nil
}

// FieldSpec describes one ISO8583 data element. It is immutable once loaded.
type FieldSpec struct {
	Num    int
	Name   string
	Class  DataClass
	Length LengthRule
}

func (s FieldSpec) validate() error {
	if s.Num < 2 || s.Num > MaxField {
		return fmt.Errorf("field %d out of range 2..%d", s.Num, MaxField)
	}
	if s.Num == 65 {
		return fmt.Errorf("field 65 is reserved for the tertiary bitmap")
	}
	if s.Length.Max <= 0 {
		return fmt.Errorf("field %d: length must be positive", s.Num)
	}
	return nil
}
