package protocol

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestDecodeFrame(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    string // expected frame type, "" means error
		wantErr string
	}{
		{"req", `{"type":"req","id":"1","method":"connect","params":{}}`, "req", ""},
		{"res", `{"type":"res","id":"1","ok":true,"payload":{"a":1}}`, "res", ""},
		{"event", `{"type":"event","event":"node.pair.requested","payload":{}}`, "event", ""},
		{"invoke_res", `{"type":"invoke-res","id":"7","ok":false,"error":{"code":"UNAVAILABLE","message":"no"}}`, "invoke-res", ""},
		{"missing_type", `{"id":"1","method":"connect"}`, "", "missing type"},
		{"unknown_type", `{"type":"ping"}`, "", "unknown frame type"},
		{"req_missing_id", `{"type":"req","method":"connect"}`, "", "missing id"},
		{"req_missing_method", `{"type":"req","id":"1"}`, "", "missing method"},
		{"event_missing_name", `{"type":"event","payload":{}}`, "", "missing event name"},
		{"not_json", `hello`, "", "malformed frame"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			frame, err := DecodeFrame([]byte(tc.raw))
			if tc.want == "" {
				if err == nil {
					t.Fatalf("DecodeFrame(%s) succeeded; want error containing %q", tc.raw, tc.wantErr)
				}
				if !strings.Contains(err.Error(), tc.wantErr) {
					t.Errorf("DecodeFrame(%s) error = %v; want containing %q", tc.raw, err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeFrame(%s) error: %v", tc.raw, err)
			}
			if frame.FrameType() != tc.want {
				t.Errorf("DecodeFrame(%s) type = %q; want %q", tc.raw, frame.FrameType(), tc.want)
			}
		})
	}
}

func TestRequestID(t *testing.T) {
	tests := []struct {
		raw    string
		wantID string
		wantOK bool
	}{
		{`{"type":"req","id":"42","method":"x"}`, "42", true},
		{`{"type":"event","event":"x"}`, "", false},
		{`{"type":"req","method":"x"}`, "", false},
		{`garbage`, "", false},
	}
	for _, tc := range tests {
		id, ok := RequestID([]byte(tc.raw))
		if id != tc.wantID || ok != tc.wantOK {
			t.Errorf("RequestID(%s) = (%q, %v); want (%q, %v)", tc.raw, id, ok, tc.wantID, tc.wantOK)
		}
	}
}

func TestEncodeRoundTrips(t *testing.T) {
	data, err := EncodeOK("9", map[string]any{"hello": "world"})
	if err != nil {
		t.Fatalf("EncodeOK: %v", err)
	}
	var env map[string]any
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env["type"] != "res" || env["id"] != "9" || env["ok"] != true {
		t.Errorf("EncodeOK envelope = %v", env)
	}

	data, err = EncodeError("9", InvalidRequest("nope"))
	if err != nil {
		t.Fatalf("EncodeError: %v", err)
	}
	frame, err := DecodeFrame(data)
	if err != nil {
		t.Fatalf("decode encoded error: %v", err)
	}
	res, ok := frame.(*Response)
	if !ok || res.OK || res.Error == nil || res.Error.Code != CodeInvalidRequest {
		t.Errorf("decoded error res = %+v", frame)
	}

	data, err = EncodeInvoke("inv-1", "camera.snap", `{"lens":"wide"}`)
	if err != nil {
		t.Fatalf("EncodeInvoke: %v", err)
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal invoke: %v", err)
	}
	if env["type"] != "invoke" || env["command"] != "camera.snap" {
		t.Errorf("invoke envelope = %v", env)
	}
}
