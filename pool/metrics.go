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

import "github.com/prometheus/client_golang/prometheus"

var (
	connsOpened = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "isolink",
		Subsystem: "pool",
		Name:      "connections_opened_total",
		Help:      "Switch connections dialled, by outcome.",
	}, []string{"channel", "outcome"})
	connsClosed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "isolink",
		Subsystem: "pool",
		Name:      "connections_closed_total",
		Help:      "Switch connections closed, by reason.",
	}, []string{"channel", "reason"})
	acquireWait = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "isolink",
		Subsystem: "pool",
		Name:      "acquire_wait_seconds",
		Help:      "Time spent waiting for a pooled connection.",
		Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5},
	}, []string{"channel"})
	requests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "isolink",
		Subsystem: "pool",
		Name:      "requests_total",
		Help:      "Exchanges recorded against a channel, by result.",
	}, []string{"channel", "result"})
)

func init() {
	prometheus.MustRegister(connsOpened, connsClosed, acquireWait, requests)
}
