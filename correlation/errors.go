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

package correlation

import (
	"errors"
	"fmt"
)

var (
	ErrNoCandidate      = errors.New("no pending request shares this STAN")
	ErrAmbiguous        = errors.New("several pending requests score equally")
	ErrAlreadyClaimed   = errors.New("pending request already resolved")
	ErrDuplicatePending = errors.New("correlation: a pending request already exists for this key")
	ErrPendingExpired   = errors.New("correlation: timed out waiting for switch reply")
)

// CorrelationError is a reply that could not be matched to exactly one pending request.
// It is a logged miss, not a fault of the read loop.
type CorrelationError struct {
	STAN       string
	Candidates int
	Err        error
}

func (e *CorrelationError) Error() string {
	return fmt.Sprintf("correlation: stan %q: %v (%d candidates)", e.STAN, e.Err, e.Candidates)
}

func (e *CorrelationError) Unwrap() error { return e.Err }
