// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package events

// Summary holds the derived fields extracted from scanning an event log
// for lifecycle markers. These are caches, not sources of truth: they
// must always be re-derivable from the log alone.
type Summary struct {
	// StepCount is the number of step_completed markers.
	StepCount int `json:"step_count"`

	// Result is the answer from the last final_result marker.
	Result string `json:"result,omitempty"`

	// ErrorDetail is the message from the last error marker.
	ErrorDetail string `json:"error_detail,omitempty"`

	// ContinuationHandle is the handle from the first turn_started
	// marker that carried one.
	ContinuationHandle string `json:"continuation_handle,omitempty"`

	// TurnCount is the number of turn_started markers.
	TurnCount int `json:"turn_count"`
}

// Summarize derives a Summary by scanning the log for lifecycle markers.
//
// Description:
//
//	Walks the log in order. Undecodable marker payloads are skipped
//	rather than failing the scan; a summary over a partially corrupt
//	log is still better than none, and the log itself is untouched.
//
// Inputs:
//
//	log - Event log in push order.
//
// Outputs:
//
//	Summary - Derived summary fields.
func Summarize(log []Event) Summary {
	var s Summary
	for _, ev := range log {
		switch ev.Kind {
		case KindTurnStarted:
			s.TurnCount++
			var p TurnStartedPayload
			if err := DecodePayload(ev, &p); err == nil {
				if s.ContinuationHandle == "" && p.ContinuationHandle != "" {
					s.ContinuationHandle = p.ContinuationHandle
				}
			}
		case KindStepCompleted:
			s.StepCount++
		case KindFinalResult:
			var p FinalResultPayload
			if err := DecodePayload(ev, &p); err == nil {
				s.Result = p.Answer
			}
		case KindError:
			var p ErrorPayload
			if err := DecodePayload(ev, &p); err == nil {
				s.ErrorDetail = p.Error
			}
		}
	}
	return s
}
