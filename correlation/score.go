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
	"strings"
	"time"

	"github.com/mlipscombe/isolink/iso8583"
	"github.com/shopspring/decimal"
)

// Score weights. The reply does not reliably carry the terminal id, so every
// pending request sharing the STAN is a candidate and these decide between them.
const (
	scoreRRN      = 50
	scoreAmount   = 30
	scoreTerminal = 20
	scoreRecent   = 15
	scoreWarm     = 5

	recentWindow = 60 * time.Second
	warmWindow   = 300 * time.Second
)

type candidate struct {
	key     Key
	context PendingContext
	score   int
}

func score(reply *iso8583.Message, pc PendingContext, now time.Time) int {
	s := 0
	if rrn := reply.GetTrimmed(iso8583.FieldRRN); rrn != "" && rrn == strings.TrimSpace(pc.RRN) {
		s += scoreRRN
	}
	if amountsEqual(reply.GetTrimmed(iso8583.FieldAmount), pc.Amount) {
		s += scoreAmount
	}
	if reply.GetTrimmed(iso8583.FieldMerchantID) == pc.MerchantID &&
		reply.GetTrimmed(iso8583.FieldTerminalID) == pc.TerminalID {
		s += scoreTerminal
	}
	switch age := now.Sub(pc.RegisteredAt); {
	case age <= recentWindow:
		s += scoreRecent
	case age <= warmWindow:
		s += scoreWarm
	}
	return s
}

// amountsEqual compares numerically so "000000000100" matches "100".
func amountsEqual(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	da, err := decimal.NewFromString(a)
	if err != nil {
		return false
	}
	db, err := decimal.NewFromString(strings.TrimSpace(b))
	if err != nil {
		return false
	}
	return da.Equal(db)
}

// selectCandidate returns the single highest scoring candidate. Ties for the top
// score and an empty candidate list both fail.
func selectCandidate(reply *iso8583.Message, pending []candidate, now time.Time) (candidate, error) {
	if len(pending) == 0 {
		return candidate{}, ErrNoCandidate
	}
	best, tied := -1, false
	for i := range pending {
		pending[i].score = score(reply, pending[i].context, now)
		switch {
		case best < 0 || pending[i].score > pending[best].score:
			best, tied = i, false
		case pending[i].score == pending[best].score:
			tied = true
		}
	}
	if tied {
		return candidate{}, ErrAmbiguous
	}
	return pending[best], nil
}
