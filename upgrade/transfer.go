// SPDX-FileCopyrightText: 2022 SoftIron Limited <info@softiron.com>
// SPDX-License-Identifier: GNU General Public License v2.0 only WITH Classpath exception 2.0

package upgrade

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Role names what a TransferEntry is for, so a failure or a log line can say which descriptor
// misbehaved rather than just "fd 6".
type Role string

const (
	RoleHandoff  Role = "handoff"
	RoleSnapshot Role = "snapshot"
	RoleWorker   Role = "worker"
)

// TransferEntry is one (fd, role) pair due to survive the exec into the successor.
type TransferEntry struct {
	File *os.File
	Role Role
}

// TransferSet is the explicit inventory of descriptors an upgrade attempt intends to hand to its
// successor. The orchestrator is the only component allowed to mutate FD_CLOEXEC, and it does so
// in exactly two passes over a TransferSet: DisableCloseOnExec right before exec.Cmd.Start, and
// RestoreCloseOnExec immediately after, once the child holds its own duplicates.
type TransferSet []TransferEntry

// DisableCloseOnExec clears FD_CLOEXEC on every entry so exec.Cmd.Start's dup2 into the child's
// low fd numbers carries them across. Go sets FD_CLOEXEC on every descriptor it creates, so this
// is the one place in the codebase that deliberately fights that default.
func (ts TransferSet) DisableCloseOnExec() error {
	for _, e := range ts {
		if err := setCloseOnExec(e.File.Fd(), false); err != nil {
			return fmt.Errorf("upgrade: could not clear close-on-exec for %v fd %d: %w", e.Role, e.File.Fd(), err)
		}
	}
	return nil
}

// RestoreCloseOnExec re-sets FD_CLOEXEC on every entry still open in this process, once the
// successor has its own copies and this process's originals no longer need to survive an exec
// they were never going to perform anyway.
func (ts TransferSet) RestoreCloseOnExec() error {
	for _, e := range ts {
		if err := setCloseOnExec(e.File.Fd(), true); err != nil {
			return fmt.Errorf("upgrade: could not restore close-on-exec for %v fd %d: %w", e.Role, e.File.Fd(), err)
		}
	}
	return nil
}

// Close closes every entry's File. Safe to call after the descriptors have been handed off:
// exec.Cmd.Start dup2's them into the child, so closing the parent's copy does not affect the
// child's.
func (ts TransferSet) Close() {
	for _, e := range ts {
		_ = e.File.Close()
	}
}

// Files returns the entries in order, the slice exec.Cmd.ExtraFiles expects: entry i lands on fd
// 3+i in the child.
func (ts TransferSet) Files() []*os.File {
	files := make([]*os.File, len(ts))
	for i, e := range ts {
		files[i] = e.File
	}
	return files
}

func setCloseOnExec(fd uintptr, enabled bool) error {
	flags, err := unix.FcntlInt(fd, unix.F_GETFD, 0)
	if err != nil {
		return err
	}
	if enabled {
		flags |= unix.FD_CLOEXEC
	} else {
		flags &^= unix.FD_CLOEXEC
	}
	_, err = unix.FcntlInt(fd, unix.F_SETFD, flags)
	return err
}
