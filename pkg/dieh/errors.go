// SPDX-FileCopyrightText: 2025 SAP SE or an SAP affiliate company and prysm contributors
//
// SPDX-License-Identifier: Apache-2.0

package dieh

import "errors"

var (
	ErrUpdateInProgress = errors.New("configuration update already in progress")
	ErrTransactionDone  = errors.New("configuration transaction already finished")
	ErrTableTooLarge    = errors.New("configuration table exceeds capacity")
	ErrInvalidTable     = errors.New("invalid configuration table")
	ErrRecordIndex      = errors.New("record index out of range")
	ErrUnknownCategory  = errors.New("unknown error category")
	ErrUnknownAction    = errors.New("unknown action")
	ErrUnknownPolicy    = errors.New("unknown policy")
	ErrUnknownDrive     = errors.New("unknown drive")
	ErrDriveExists      = errors.New("drive already registered")
	ErrNoRegistry       = errors.New("no registry connection for nats-kv source")
)
