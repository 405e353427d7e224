// SPDX-FileCopyrightText: 2022 SoftIron Limited <info@softiron.com>
// SPDX-License-Identifier: GNU General Public License v2.0 only WITH Classpath exception 2.0

package channel

import "errors"

// ErrChannelFull is returned by WriteMessage when sending the message would grow the send
// buffer past MaxBufSize. The caller's message is not sent and the buffer is left unchanged:
// this is a backpressure signal, not a fatal error.
var ErrChannelFull = errors.New("channel: send buffer full")

// ErrChannelClosed is returned by any operation on a Channel that has been explicitly closed. A
// Channel poisoned by an I/O error keeps returning that original error instead.
var ErrChannelClosed = errors.New("channel: closed")
