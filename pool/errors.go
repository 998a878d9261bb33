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

package pool

import (
	"errors"
	"fmt"
)

var (
	// ErrPoolExhausted means no connection became available within the channel's
	// connect timeout.
	ErrPoolExhausted = errors.New("pool: no connection available")
	ErrPoolClosed    = errors.New("pool: closed")
)

// Connection operations reported in ConnectionError.Op.
const (
	OpDial  = "dial"
	OpWrite = "write"
	OpRead  = "read"
)

// ConnectionError is a connect, write or read failure on a switch connection.
// The connection it happened on is never reused.
type ConnectionError struct {
	Channel string
	Op      string
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("pool: %s %s: %v", e.Channel, e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

func IsConnectionError(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}
