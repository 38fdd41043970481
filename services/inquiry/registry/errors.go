// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package registry

import "errors"

var (
	// ErrNotFound indicates no session with the given ID exists, in
	// memory or in the store.
	ErrNotFound = errors.New("session not found")

	// ErrCapacityExceeded indicates the active-session cap was hit at
	// create time.
	ErrCapacityExceeded = errors.New("active session capacity exceeded")

	// ErrSessionBusy indicates the session already has a turn in
	// flight, or is active when the operation requires it not to be.
	ErrSessionBusy = errors.New("session busy")

	// ErrNoTurnInFlight indicates a cancel against a session with no
	// running turn.
	ErrNoTurnInFlight = errors.New("no turn in flight")

	// ErrAlreadyTerminal indicates the session is FAILED or CANCELLED
	// and accepts no further turns or cancels.
	ErrAlreadyTerminal = errors.New("session already terminal")

	// ErrShuttingDown indicates the registry has begun shutdown and
	// accepts no new work.
	ErrShuttingDown = errors.New("registry shutting down")
)
