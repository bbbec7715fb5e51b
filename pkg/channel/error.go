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

import "errors"

var (
	// ErrClosedChannel is returned by any operation on a closed channel,
	// and by a blocking operation whose channel was closed while it was
	// blocked.
	ErrClosedChannel = errors.New("channel: channel is closed")

	// ErrConnectionPending is returned when a connect attempt races an
	// in-flight one. The channel is closed as a defensive reaction.
	ErrConnectionPending = errors.New("channel: connect already in progress")

	// ErrUnresolvedAddress is returned by Connect with an address that has
	// no resolved network identity. The channel is closed.
	ErrUnresolvedAddress = errors.New("channel: address is unresolved")

	// ErrNilArgument is returned when a required argument is nil.
	ErrNilArgument = errors.New("channel: required argument is nil")

	// ErrIllegalBlockingMode is returned by a non-blocking connect on a
	// channel that is not registered with any multiplexer.
	ErrIllegalBlockingMode = errors.New("channel: non-blocking connect requires multiplexer registration")

	// ErrUnsupportedOperation is returned by scatter/gather transfers.
	ErrUnsupportedOperation = errors.New("channel: scatter/gather transfer is not supported")

	// ErrConnectFailed is returned by FinishConnect when the transport
	// socket did not reach connected state.
	ErrConnectFailed = errors.New("channel: connect did not succeed")
)
