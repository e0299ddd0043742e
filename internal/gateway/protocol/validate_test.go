package protocol

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestDecodeConnectParams(t *testing.T) {
	tests := []struct {
		name      string
		raw       string
		wantPaths []string // field paths expected in the validation error
	}{
		{
			name: "valid",
			raw:  `{"client":{"id":"cli","mode":"cli","version":"1.0"},"minProtocol":1,"maxProtocol":1}`,
		},
		{
			name:      "missing_client_fields",
			raw:       `{"client":{},"minProtocol":1,"maxProtocol":1}`,
			wantPaths: []string{"client.id", "client.mode", "client.version"},
		},
		{
			name:      "bad_protocol_range",
			raw:       `{"client":{"id":"a","mode":"ui","version":"1"},"minProtocol":2,"maxProtocol":1}`,
			wantPaths: []string{"maxProtocol"},
		},
		{
			name:      "zero_min_protocol",
			raw:       `{"client":{"id":"a","mode":"ui","version":"1"},"minProtocol":0,"maxProtocol":1}`,
			wantPaths: []string{"minProtocol"},
		},
		{
			name:      "not_an_object",
			raw:       `[1,2]`,
			wantPaths: []string{"params"},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p, verr := DecodeConnectParams(json.RawMessage(tc.raw))
			if len(tc.wantPaths) == 0 {
				if verr != nil {
					t.Fatalf("DecodeConnectParams(%s) = %v; want ok", tc.raw, verr)
				}
				if p.Client.ID == "" {
					t.Errorf("decoded params missing client id")
				}
				return
			}
			if verr == nil {
				t.Fatalf("DecodeConnectParams(%s) succeeded; want paths %v", tc.raw, tc.wantPaths)
			}
			got := map[string]bool{}
			for _, f := range verr.Fields {
				got[f.Path] = true
			}
			for _, path := range tc.wantPaths {
				if !got[path] {
					t.Errorf("validation error missing path %q; got %v", path, verr.Fields)
				}
			}
		})
	}
}

func TestValidationErrorProtocolShape(t *testing.T) {
	_, verr := DecodePairVerifyParams(json.RawMessage(`{}`))
	if verr == nil {
		t.Fatal("expected validation error for empty verify params")
	}
	pe := verr.Protocol()
	if pe.Code != CodeInvalidRequest {
		t.Errorf("code = %q; want INVALID_REQUEST", pe.Code)
	}
	if !strings.Contains(pe.Message, "nodeId") || !strings.Contains(pe.Message, "token") {
		t.Errorf("message %q missing field paths", pe.Message)
	}
	if _, ok := pe.Details["fields"]; !ok {
		t.Errorf("details missing structured fields: %v", pe.Details)
	}
}

func TestDecodeInvokeParams(t *testing.T) {
	tests := []struct {
		name   string
		raw    string
		wantOK bool
	}{
		{"valid", `{"nodeId":"n1","command":"camera.snap","idempotencyKey":"k1","timeoutMs":5000}`, true},
		{"default_timeout", `{"nodeId":"n1","command":"c","idempotencyKey":"k"}`, true},
		{"missing_command", `{"nodeId":"n1","idempotencyKey":"k"}`, false},
		{"missing_idempotency_key", `{"nodeId":"n1","command":"c"}`, false},
		{"negative_timeout", `{"nodeId":"n1","command":"c","idempotencyKey":"k","timeoutMs":-1}`, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, verr := DecodeInvokeParams(json.RawMessage(tc.raw))
			if (verr == nil) != tc.wantOK {
				t.Errorf("DecodeInvokeParams(%s) error = %v; want ok=%v", tc.raw, verr, tc.wantOK)
			}
		})
	}
}

func TestDecodePairRequestParams(t *testing.T) {
	p, verr := DecodePairRequestParams(json.RawMessage(`{"nodeId":"mac-1","caps":["camera"],"commands":["camera.snap"]}`))
	if verr != nil {
		t.Fatalf("unexpected validation error: %v", verr)
	}
	if p.NodeID != "mac-1" || len(p.Caps) != 1 || len(p.Commands) != 1 {
		t.Errorf("decoded params = %+v", p)
	}
	if _, verr := DecodePairRequestParams(json.RawMessage(`{"nodeId":"  "}`)); verr == nil {
		t.Error("blank nodeId accepted")
	}
}
