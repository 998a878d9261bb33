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
	"fmt"
)

var (
	ErrTruncated     = errors.New("truncated input")
	ErrUnknownField  = errors.New("field not in dictionary")
	ErrInvalidLength = errors.New("invalid length")
	ErrInvalidMTI    = errors.New("invalid MTI")
)

// ProtocolError reports a malformed or undecodable message or field.
// Field is zero when the error is not tied to a single data element.
type ProtocolError struct {
	Field  int
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	msg := "iso8583: "
	if e.Field > 0 {
		msg += fmt.Sprintf("field %d: ", e.Field)
	}
	msg += e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProtocolError) Unwrap() error { return e.Err }

func protocolError(field int, err error, format string, args ...any) *ProtocolError {
	return &ProtocolError{Field: field, Reason: fmt.Sprintf(format, args...), Err: err}
}

// IsProtocolError reports whether err is, or wraps, a ProtocolError.
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}
