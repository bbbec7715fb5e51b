/*
 * Copyright 2025 SREDiag Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package channel

import "github.com/prometheus/client_golang/prometheus"

var (
	channelsOpen = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "udtchan_channels_open",
		Help: "Number of currently open channels.",
	})
	connectAttempts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "udtchan_connect_attempts_total",
		Help: "Number of connect attempts started.",
	})
	bytesReadTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "udtchan_read_bytes_total",
		Help: "Bytes received through channels.",
	})
	bytesWrittenTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "udtchan_write_bytes_total",
		Help: "Bytes sent through channels.",
	})
	// overCountClamps counts transfers where the transport socket reported
	// more bytes than were requested. This must stay at zero; the transfer
	// is clamped to 0 instead of failing the caller.
	overCountClamps = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "udtchan_overcount_clamps_total",
		Help: "Transfers clamped because the socket reported more bytes than requested.",
	})
)

func init() {
	prometheus.MustRegister(
		channelsOpen,
		connectAttempts,
		bytesReadTotal,
		bytesWrittenTotal,
		overCountClamps,
	)
}
