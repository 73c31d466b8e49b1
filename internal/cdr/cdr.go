// Package cdr defines the canonical call-completion event shape and the
// mapping from heterogeneous PBX vendor field names onto it.
package cdr

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Disposition is the normalized outcome of a call.
type Disposition string

const (
	DispositionAnswered Disposition = "answered"
	DispositionNoAnswer Disposition = "no_answer"
	DispositionBusy     Disposition = "busy"
	DispositionFailed   Disposition = "failed"
)

// Event is a vendor-neutral call-completion event as received by the gateway.
type Event struct {
	CallID       string
	Source       string
	Destination  string
	DurationSecs int
	Disposition  Disposition
	RecordingRef string // canonicalized; empty when the call was not recorded
}

// ErrMissingCallID is returned when no recognized call-id field is present.
var ErrMissingCallID = errors.New("event has no call id field")

// fieldAliases maps each canonical field to the names vendors use for it.
// Aliases are matched case-insensitively, first hit wins in declaration order.
var fieldAliases = map[string][]string{
	"call_id":     {"call_id", "callid", "uniqueid", "unique_id", "call-id", "id"},
	"source":      {"source", "src", "caller", "callerid", "caller_id", "from"},
	"destination": {"destination", "dst", "callee", "called", "to", "did"},
	"duration":    {"duration", "billsec", "duration_secs", "talk_time", "seconds"},
	"disposition": {"disposition", "status", "call_status", "result", "hangup_cause"},
	"recording":   {"recording", "recordingfile", "recording_file", "recording_path", "record_file", "call_recording"},
}

// dispositionAliases normalizes vendor disposition spellings.
var dispositionAliases = map[string]Disposition{
	"answered":  DispositionAnswered,
	"answer":    DispositionAnswered,
	"completed": DispositionAnswered,
	"no answer": DispositionNoAnswer,
	"no_answer": DispositionNoAnswer,
	"noanswer":  DispositionNoAnswer,
	"missed":    DispositionNoAnswer,
	"busy":      DispositionBusy,
	"congestion": DispositionBusy,
	"failed":    DispositionFailed,
	"failure":   DispositionFailed,
	"error":     DispositionFailed,
}

// FromFields builds an Event from a flat field map using the alias table.
// Field keys are matched case-insensitively. A missing or blank call id is an
// error; everything else degrades to a zero value.
func FromFields(fields map[string]string) (Event, error) {
	lower := make(map[string]string, len(fields))
	for k, v := range fields {
		lower[strings.ToLower(strings.TrimSpace(k))] = strings.TrimSpace(v)
	}

	pick := func(canonical string) string {
		for _, alias := range fieldAliases[canonical] {
			if v, ok := lower[alias]; ok && v != "" {
				return v
			}
		}
		return ""
	}

	ev := Event{
		CallID:      pick("call_id"),
		Source:      pick("source"),
		Destination: pick("destination"),
	}
	if ev.CallID == "" {
		return Event{}, ErrMissingCallID
	}

	if raw := pick("duration"); raw != "" {
		secs, err := strconv.Atoi(raw)
		if err != nil {
			return Event{}, fmt.Errorf("parsing duration %q: %w", raw, err)
		}
		if secs < 0 {
			return Event{}, fmt.Errorf("negative duration %d", secs)
		}
		ev.DurationSecs = secs
	}

	ev.Disposition = normalizeDisposition(pick("disposition"))
	ev.RecordingRef = CanonicalRecordingRef(pick("recording"))
	return ev, nil
}

func normalizeDisposition(raw string) Disposition {
	if raw == "" {
		return DispositionFailed
	}
	if d, ok := dispositionAliases[strings.ToLower(raw)]; ok {
		return d
	}
	return DispositionFailed
}

// CanonicalRecordingRef strips surrounding whitespace and at most one trailing
// "@" from a vendor recording path. Some PBX firmwares append the sentinel to
// paths of calls recorded mid-transfer; the vendor fetch API accepts the path
// either way, so a single canonical form is used everywhere (storage, vendor
// requests, cache keys).
func CanonicalRecordingRef(raw string) string {
	ref := strings.TrimSpace(raw)
	ref = strings.TrimSuffix(ref, "@")
	return strings.TrimSpace(ref)
}
