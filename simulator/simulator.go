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

// Package simulator is a framed ISO8583 switch that approves what it is sent. It
// backs the simswitch command and the connector tests.
package simulator

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mlipscombe/isolink/frame"
	"github.com/mlipscombe/isolink/iso8583"
	log "github.com/sirupsen/logrus"
)

// Responder builds the reply for req. A nil reply sends nothing.
type Responder func(req *iso8583.Message) (*iso8583.Message, error)

type Options struct {
	Codec  *iso8583.Codec
	Header [frame.HeaderSize]byte
	// Delay is applied before every reply.
	Delay time.Duration
	// DropEvery leaves every Nth request unanswered when positive.
	DropEvery int
	Respond   Responder
}

type Server struct {
	ln     net.Listener
	opts   Options
	framer *frame.Builder

	requests atomic.Int64
	answered atomic.Int64

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

func Listen(addr string, opts Options) (*Server, error) {
	if opts.Codec == nil {
		return nil, errors.New("simulator: codec required")
	}
	if opts.Header == ([frame.HeaderSize]byte{}) {
		opts.Header = frame.DefaultHeader
	}
	if opts.Respond == nil {
		opts.Respond = Approve
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Server{
		ln:     ln,
		opts:   opts,
		framer: &frame.Builder{Header: opts.Header},
		conns:  make(map[net.Conn]struct{}),
	}, nil
}

func (s *Server) Addr() *net.TCPAddr { return s.ln.Addr().(*net.TCPAddr) }

func (s *Server) Requests() int64 { return s.requests.Load() }
func (s *Server) Answered() int64 { return s.answered.Load() }

// Connections is the number of clients currently connected.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Serve accepts clients until ctx ends or the server is closed.
func (s *Server) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { s.Close() })
	defer stop()
	for {
		c, err := s.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			c.Close()
			return nil
		}
		s.conns[c] = struct{}{}
		s.wg.Add(1)
		s.mu.Unlock()
		go s.handle(c)
	}
}

// Close stops accepting, drops every client and waits for their handlers.
func (s *Server) Close() error {
	err := s.ln.Close()
	s.mu.Lock()
	s.closed = true
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (s *Server) handle(c net.Conn) {
	defer s.wg.Done()
	// delayed replies finish before the handler counts as done
	var replies sync.WaitGroup
	defer replies.Wait()
	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		c.Close()
	}()
	logger := log.WithField("client", c.RemoteAddr().String())
	logger.Debug("client connected")

	var writeMu sync.Mutex
	for {
		f, err := s.framer.ReadFrame(c)
		if err != nil {
			logger.Debugf("client gone: %v", err)
			return
		}
		body, _ := s.framer.FromFrame(f)
		req, err := s.opts.Codec.Unpack(body)
		if err != nil {
			logger.Warnf("unpack: %v", err)
			continue
		}
		n := s.requests.Add(1)
		logger.WithFields(log.Fields{"mti": req.MTI, "stan": req.STAN()}).Debug("RX")
		if s.opts.DropEvery > 0 && n%int64(s.opts.DropEvery) == 0 {
			logger.WithField("stan", req.STAN()).Info("dropping request")
			continue
		}

		reply := func() {
			if s.opts.Delay > 0 {
				time.Sleep(s.opts.Delay)
			}
			resp, err := s.opts.Respond(req)
			if err != nil {
				logger.Warnf("respond: %v", err)
				return
			}
			if resp == nil {
				return
			}
			out, err := s.opts.Codec.Pack(resp)
			if err != nil {
				logger.Warnf("pack reply: %v", err)
				return
			}
			writeMu.Lock()
			defer writeMu.Unlock()
			if err := s.framer.WriteFrame(c, out); err != nil {
				logger.Debugf("write: %v", err)
				return
			}
			s.answered.Add(1)
		}
		if s.opts.Delay > 0 {
			// delayed replies may overtake each other, as a real switch's do
			replies.Add(1)
			go func() {
				defer replies.Done()
				reply()
			}()
			continue
		}
		reply()
	}
}

// Approve answers 0800, 0200 and 0400 class requests with response code 00,
// echoing the identifying fields. Financial replies also get an authorization id.
func Approve(req *iso8583.Message) (*iso8583.Message, error) {
	resp, err := iso8583.NewResponse(req)
	if err != nil {
		return nil, err
	}
	resp.Fields[iso8583.FieldResponseCode] = iso8583.ResponseApproved
	switch req.MTI {
	case "0800":
		resp.Fields[iso8583.FieldTransmission] = time.Now().UTC().Format("0102150405")
	case "0200", "0400":
		resp.Fields[iso8583.FieldAuthID] = authID(req.STAN())
	}
	return resp, nil
}

func authID(stan string) string {
	n, err := strconv.Atoi(stan)
	if err != nil {
		n = 0
	}
	return fmt.Sprintf("A%05d", n%100000)
}
