// SPDX-FileCopyrightText: 2022 SoftIron Limited <info@softiron.com>
// SPDX-License-Identifier: GNU General Public License v2.0 only WITH Classpath exception 2.0

package upgrade

import (
	"github.com/sigilproxy/master/command"
	"github.com/sigilproxy/master/config"
	"github.com/sigilproxy/master/state"
)

// SerializedWorker is everything the orchestrator needs to reconstruct one command.Worker in the
// successor process. Fd is the descriptor number the worker channel lands on in the successor,
// fixed by its position in the exec's ExtraFiles.
type SerializedWorker struct {
	Fd       int                     `json:"fd"`
	PID      int                     `json:"pid"`
	ID       uint32                  `json:"id"`
	RunState command.RunState        `json:"run_state"`
	Token    string                  `json:"token"`
	Queue    []*command.OrderMessage `json:"queue"`
}

// Ready is the single message exchanged on the handoff channel: the successor sends one once it
// has finished restoring state, just before entering its own run loop, which is the
// predecessor's signal that it may safely exit.
type Ready struct {
	OK bool `json:"ok"`
}

// UpgradeData is the full envelope written to the snapshot temp file and read back by the
// successor: everything needed to stand up a Command Server that is, from an operator's point of
// view, indistinguishable from the one that was running a moment before.
type UpgradeData struct {
	Config     config.Config      `json:"config"`
	Workers    []SerializedWorker `json:"workers"`
	State      *state.ConfigState `json:"state"`
	NextID     uint32             `json:"next_id"`
	Generation int                `json:"generation"`
}
