// SPDX-FileCopyrightText: 2022 SoftIron Limited <info@softiron.com>
// SPDX-License-Identifier: GNU General Public License v2.0 only WITH Classpath exception 2.0

package upgrade

import (
	"os"

	"golang.org/x/sys/unix"
)

// socketpair creates a connected pair of UNIX domain stream sockets, the handoff channel's
// transport: unlike net.Pipe, both ends are real descriptors and so survive an exec into a
// successor process.
func socketpair() (parent *os.File, child *os.File, err error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, nil, err
	}
	parent = os.NewFile(uintptr(fds[0]), "upgrade-handoff-parent")
	child = os.NewFile(uintptr(fds[1]), "upgrade-handoff-child")
	return parent, child, nil
}
