// Copyright (C) 2022 myl7
// SPDX-License-Identifier: Apache-2.0

package wal

import "errors"

// Expected-failure errors (§7), surfaced to the caller rather than aborting
// the process.
var (
	ErrLogFull               = errors.New("wal: log full")
	ErrCorruptLog            = errors.New("wal: corrupt log: truncated trailing record")
	ErrNonMonotonicOp        = errors.New("wal: non-monotonic op during recovery")
	ErrChecksumMismatch      = errors.New("wal: entry checksum mismatch")
	ErrMessageChecksumInvalid = errors.New("wal: message checksum invalid")
)
