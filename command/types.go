// SPDX-FileCopyrightText: 2022 SoftIron Limited <info@softiron.com>
// SPDX-License-Identifier: GNU General Public License v2.0 only WITH Classpath exception 2.0

package command

import "encoding/json"

// Kind identifies what a ConfigMessage is asking the server to do. It plays the same role the
// benchmark tool's Opcode does for its own wire protocol, string-valued so log lines and the
// `status` reply are self-describing without a lookup table.
type Kind string

const (
	KindSoftStop           Kind = "soft_stop"
	KindHardStop           Kind = "hard_stop"
	KindUpgrade            Kind = "upgrade"
	KindStatus             Kind = "status"
	KindMetrics            Kind = "metrics"
	KindLoggingFilter      Kind = "logging_filter"
	KindStateSave          Kind = "state_save"
	KindStateLoad          Kind = "state_load"
	KindStateDump          Kind = "state_dump"
	KindAddApplication     Kind = "add_application"
	KindRemoveApplication  Kind = "remove_application"
	KindAddBackend         Kind = "add_backend"
	KindRemoveBackend      Kind = "remove_backend"
	KindAddHTTPFrontend    Kind = "add_http_frontend"
	KindRemoveHTTPFrontend Kind = "remove_http_frontend"
	KindAddTCPFrontend     Kind = "add_tcp_frontend"
	KindRemoveTCPFrontend  Kind = "remove_tcp_frontend"
	KindAddCertificate     Kind = "add_certificate"
	KindRemoveCertificate  Kind = "remove_certificate"
	KindQueryApplications  Kind = "query_applications"
)

// mutatingKinds fan out to every running worker once applied to ConfigState. Kinds not in this
// set are answered directly by the server without involving the worker fleet.
var mutatingKinds = map[Kind]bool{
	KindAddApplication:     true,
	KindRemoveApplication:  true,
	KindAddBackend:         true,
	KindRemoveBackend:      true,
	KindAddHTTPFrontend:    true,
	KindRemoveHTTPFrontend: true,
	KindAddTCPFrontend:     true,
	KindRemoveTCPFrontend:  true,
	KindAddCertificate:     true,
	KindRemoveCertificate:  true,
}

// ConfigMessage is the operator-facing request, addressed by the client's own correlation ID so
// replies can be matched even if the client pipelines several requests before reading answers.
type ConfigMessage struct {
	ID      string          `json:"id"`
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Status is the outcome carried in a ConfigMessageAnswer.
type Status string

const (
	StatusOk         Status = "ok"
	StatusProcessing Status = "processing"
	StatusError      Status = "error"
)

// ConfigMessageAnswer is the operator-facing reply. WorkerOutcomes is only populated when a
// fanned-out order fails on one or more workers, one entry per worker that replied with an error
// or was reaped before answering.
type ConfigMessageAnswer struct {
	ID             string            `json:"id"`
	Status         Status            `json:"status"`
	Message        string            `json:"message,omitempty"`
	Payload        json.RawMessage   `json:"payload,omitempty"`
	WorkerOutcomes map[uint32]string `json:"worker_outcomes,omitempty"`
}

// OrderMessage is what the server sends down one worker's channel. A mutation or stop order is
// addressed with the same correlation ID as the ConfigMessage that produced it so a worker's reply
// can be matched back to the client request that's waiting on it; a liveness probe carries a
// freshly minted ID.
type OrderMessage struct {
	ID      string          `json:"id"`
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// OrderAnswer is a worker's reply to one OrderMessage.
type OrderAnswer struct {
	ID      string `json:"id"`
	Ok      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}
