// Copyright (C) 2022 myl7
// SPDX-License-Identifier: Apache-2.0

package replica

import "errors"

// Expected-failure errors (§7): role/phase mismatches. These are either
// ignored silently by the caller or returned without any state change,
// per the table in §7.
var (
	ErrNotPrimary          = errors.New("replica: not primary for current view")
	ErrNotInViewChangeState = errors.New("replica: not in view-change state")
	ErrOldView             = errors.New("replica: view change for a view older than current")
)
