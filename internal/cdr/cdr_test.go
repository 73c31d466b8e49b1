package cdr

import (
	"errors"
	"testing"
)

func TestFromFields_CanonicalNames(t *testing.T) {
	ev, err := FromFields(map[string]string{
		"call_id":     "abc-123",
		"source":      "1001",
		"destination": "+15551234567",
		"duration":    "42",
		"disposition": "ANSWERED",
		"recording":   "2026-02/call123.wav",
	})
	if err != nil {
		t.Fatalf("FromFields failed: %v", err)
	}
	if ev.CallID != "abc-123" {
		t.Errorf("CallID = %q, want abc-123", ev.CallID)
	}
	if ev.DurationSecs != 42 {
		t.Errorf("DurationSecs = %d, want 42", ev.DurationSecs)
	}
	if ev.Disposition != DispositionAnswered {
		t.Errorf("Disposition = %q, want answered", ev.Disposition)
	}
	if ev.RecordingRef != "2026-02/call123.wav" {
		t.Errorf("RecordingRef = %q", ev.RecordingRef)
	}
}

func TestFromFields_VendorAliases(t *testing.T) {
	cases := []struct {
		name   string
		fields map[string]string
	}{
		{"asterisk style", map[string]string{
			"uniqueid": "u-9", "src": "200", "dst": "300",
			"billsec": "7", "disposition": "NO ANSWER", "recordingfile": "r.wav",
		}},
		{"mixed case keys", map[string]string{
			"CallID": "u-9", "Caller": "200", "Called": "300",
			"Talk_Time": "7", "Call_Status": "missed", "Recording_Path": "r.wav",
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ev, err := FromFields(tc.fields)
			if err != nil {
				t.Fatalf("FromFields failed: %v", err)
			}
			if ev.CallID != "u-9" || ev.Source != "200" || ev.Destination != "300" {
				t.Errorf("aliased fields not mapped: %+v", ev)
			}
			if ev.DurationSecs != 7 {
				t.Errorf("DurationSecs = %d, want 7", ev.DurationSecs)
			}
			if ev.Disposition != DispositionNoAnswer {
				t.Errorf("Disposition = %q, want no_answer", ev.Disposition)
			}
			if ev.RecordingRef != "r.wav" {
				t.Errorf("RecordingRef = %q, want r.wav", ev.RecordingRef)
			}
		})
	}
}

func TestFromFields_MissingCallID(t *testing.T) {
	_, err := FromFields(map[string]string{"src": "100"})
	if !errors.Is(err, ErrMissingCallID) {
		t.Fatalf("err = %v, want ErrMissingCallID", err)
	}
}

func TestFromFields_BadDuration(t *testing.T) {
	if _, err := FromFields(map[string]string{"call_id": "x", "duration": "abc"}); err == nil {
		t.Fatal("FromFields accepted non-numeric duration")
	}
	if _, err := FromFields(map[string]string{"call_id": "x", "duration": "-3"}); err == nil {
		t.Fatal("FromFields accepted negative duration")
	}
}

func TestFromFields_NoRecording(t *testing.T) {
	ev, err := FromFields(map[string]string{"call_id": "x", "status": "busy"})
	if err != nil {
		t.Fatalf("FromFields failed: %v", err)
	}
	if ev.RecordingRef != "" {
		t.Errorf("RecordingRef = %q, want empty", ev.RecordingRef)
	}
	if ev.Disposition != DispositionBusy {
		t.Errorf("Disposition = %q, want busy", ev.Disposition)
	}
}

func TestCanonicalRecordingRef(t *testing.T) {
	cases := []struct{ in, want string }{
		{"2026-02/call123.wav", "2026-02/call123.wav"},
		{"2026-02/call123.wav@", "2026-02/call123.wav"},
		{"  2026-02/call123.wav@ ", "2026-02/call123.wav"},
		{"call@home.wav", "call@home.wav"},
		{"", ""},
		{"@", ""},
	}
	for _, tc := range cases {
		if got := CanonicalRecordingRef(tc.in); got != tc.want {
			t.Errorf("CanonicalRecordingRef(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
