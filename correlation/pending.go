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
	"context"
	"sync"

	"github.com/mlipscombe/isolink/iso8583"
)

// Result is what a waiting caller receives: the correlated reply or the reason
// none will arrive.
type Result struct {
	Reply *iso8583.Message
	Err   error
}

// Pending is the process-local completion handle for one registered request. It
// completes exactly once.
type Pending struct {
	reg  *Registry
	key  Key
	done chan Result
	once sync.Once
}

func newPending(reg *Registry, key Key) *Pending {
	return &Pending{reg: reg, key: key, done: make(chan Result, 1)}
}

func (p *Pending) Key() Key { return p.key }

// Done delivers the single Result.
func (p *Pending) Done() <-chan Result { return p.done }

// Wait blocks for the Result. If ctx ends first the request is cancelled and the
// context error is returned.
func (p *Pending) Wait(ctx context.Context) (*iso8583.Message, error) {
	select {
	case res := <-p.done:
		return res.Reply, res.Err
	case <-ctx.Done():
		p.reg.Cancel(context.WithoutCancel(ctx), p.key, ctx.Err())
		// a reply may have landed between the two cases
		select {
		case res := <-p.done:
			if res.Reply != nil {
				return res.Reply, nil
			}
		default:
		}
		return nil, ctx.Err()
	}
}

func (p *Pending) complete(res Result) bool {
	sent := false
	p.once.Do(func() {
		p.done <- res
		sent = true
	})
	return sent
}
