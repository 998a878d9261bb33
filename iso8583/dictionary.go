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
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strings"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Profile selects the on-wire encoding of a dictionary.
type Profile string

const (
	ProfileASCII  Profile = "ascii"
	ProfileBinary Profile = "binary"
)

// ParseProfile validates a profile name.
func ParseProfile(s string) (Profile, error) {
	switch p := Profile(strings.ToLower(strings.TrimSpace(s))); p {
	case ProfileASCII, ProfileBinary:
		return p, nil
	}
	return "", fmt.Errorf("unknown field dictionary profile %q", s)
}

// Other returns the alternate profile, used as the fallback resource.
func (p Profile) Other() Profile {
	if p == ProfileBinary {
		return ProfileASCII
	}
	return ProfileBinary
}

//go:embed dictionaries/*.yaml
var embedded embed.FS

// EmbeddedResources returns the dictionary resources compiled into the binary.
func EmbeddedResources() fs.FS {
	sub, err := fs.Sub(embedded, "dictionaries")
	if err != nil {
		panic(err)
	}
	return sub
}

// Dictionary is the active FieldSpec table for one profile.
type Dictionary struct {
	profile Profile
	fields  [MaxField + 1]*FieldSpec
}

// NewDictionary builds a table from specs, rejecting duplicates and out of range numbers.
func NewDictionary(profile Profile, specs []FieldSpec) (*Dictionary, error) {
	if _, err := ParseProfile(string(profile)); err != nil {
		return nil, err
	}
	d := &Dictionary{profile: profile}
	for i := range specs {
		spec := specs[i]
		if err := spec.validate(); err != nil {
			return nil, err
		}
		if d.fields[spec.Num] != nil {
			return nil, fmt.Errorf("field %d defined twice", spec.Num)
		}
		d.fields[spec.Num] = &spec
	}
	return d, nil
}

func (d *Dictionary) Profile() Profile { return d.profile }

// Field returns the FieldSpec for a field number.
func (d *Dictionary) Field(num int) (FieldSpec, bool) {
	if num < 0 || num > MaxField || d.fields[num] == nil {
		return FieldSpec{}, false
	}
	return *d.fields[num], true
}

// Has reports whether num is in the table.
func (d *Dictionary) Has(num int) bool {
	_, ok := d.Field(num)
	return ok
}

// Len is the number of defined fields.
func (d *Dictionary) Len() int {
	n := 0
	for _, f := range d.fields {
		if f != nil {
			n++
		}
	}
	return n
}

// NewMessage returns an empty message bound to this table.
func (d *Dictionary) NewMessage(mti string) *Message {
	m := New(mti)
	m.dict = d
	return m
}

type dictionaryResource struct {
	Profile string          `yaml:"profile"`
	Fields  []fieldResource `yaml:"fields"`
}

type fieldResource struct {
	Num    int    `yaml:"num"`
	Name   string `yaml:"name"`
	Class  string `yaml:"class"`
	Length string `yaml:"length"`
}

// ParseDictionary decodes a YAML dictionary resource.
func ParseDictionary(data []byte) (*Dictionary, error) {
	var res dictionaryResource
	if err := yaml.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("decode dictionary: %w", err)
	}
	profile, err := ParseProfile(res.Profile)
	if err != nil {
		return nil, err
	}
	specs := make([]FieldSpec, 0, len(res.Fields))
	for _, f := range res.Fields {
		class, err := ParseDataClass(f.Class)
		if err != nil {
			return nil, fmt.Errorf("field %d: %w", f.Num, err)
		}
		rule, err := ParseLengthRule(f.Length)
		if err != nil {
			return nil, fmt.Errorf("field %d: %w", f.Num, err)
		}
		specs = append(specs, FieldSpec{Num: f.Num, Name: f.Name, Class: class, Length: rule})
	}
	return NewDictionary(profile, specs)
}

// LoadDictionary reads <profile>.yaml from fsys. When that resource is absent the other
// profile's resource is loaded instead; only when both are missing does it fail.
func LoadDictionary(fsys fs.FS, profile Profile) (*Dictionary, error) {
	d, err := readDictionary(fsys, profile)
	if err == nil {
		return d, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	fallback := profile.Other()
	log.WithFields(log.Fields{"profile": profile, "fallback": fallback}).Warn("field dictionary missing, falling back")
	d, ferr := readDictionary(fsys, fallback)
	if ferr != nil {
		return nil, fmt.Errorf("load %s dictionary: %w (fallback %s: %v)", profile, err, fallback, ferr)
	}
	return d, nil
}

func readDictionary(fsys fs.FS, profile Profile) (*Dictionary, error) {
	data, err := fs.ReadFile(fsys, string(profile)+".yaml")
	if err != nil {
		return nil, err
	}
	d, err := ParseDictionary(data)
	if err != nil {
		return nil, fmt.Errorf("%s.yaml: %w", profile, err)
	}
	return d, nil
}

// LoadCodecs loads both profiles and returns a codec per requested profile name.
// A profile whose resource is missing is served by the fallback table.
func LoadCodecs(fsys fs.FS) (map[Profile]*Codec, error) {
	codecs := make(map[Profile]*Codec, 2)
	for _, p := range []Profile{ProfileASCII, ProfileBinary} {
		d, err := LoadDictionary(fsys, p)
		if err != nil {
			return nil, err
		}
		codecs[p] = NewCodec(d)
	}
	return codecs, nil
}
