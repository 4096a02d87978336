package protocol

import (
	"encoding/json"
	"testing"
)

func TestParseExtensionMessage_BareTabHTMLChunk(t *testing.T) {
	input := []byte(`{"type":"tab_html_chunk","requestId":"req-1","chunk_index":2,"chunk_data":"<div>","total_chunks":5}`)

	typ, msg, requestID, err := ParseExtensionMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if typ != TypeTabHTMLChunk {
		t.Fatalf("expected type %q, got %q", TypeTabHTMLChunk, typ)
	}
	if requestID != "req-1" {
		t.Fatalf("expected requestId %q, got %q", "req-1", requestID)
	}
	chunk, ok := msg.(ExtHTMLChunkMsg)
	if !ok {
		t.Fatalf("expected ExtHTMLChunkMsg, got %T", msg)
	}
	if chunk.ChunkIndex != 2 {
		t.Errorf("expected chunk_index 2, got %d", chunk.ChunkIndex)
	}
	if chunk.TotalChunks != 5 {
		t.Errorf("expected total_chunks 5, got %d", chunk.TotalChunks)
	}
}

func TestParseExtensionMessage_WrappedRequest(t *testing.T) {
	input := []byte(`{"type":"request","action":"open_url_complete","requestId":"req-2","payload":{"tabId":7,"url":"https://example.com"}}`)

	typ, msg, requestID, err := ParseExtensionMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if typ != TypeOpenURLComplete {
		t.Fatalf("expected unwrapped type %q, got %q", TypeOpenURLComplete, typ)
	}
	if requestID != "req-2" {
		t.Fatalf("expected requestId %q, got %q", "req-2", requestID)
	}
	complete, ok := msg.(ExtCompleteMsg)
	if !ok {
		t.Fatalf("expected ExtCompleteMsg, got %T", msg)
	}
	if complete.URL != "https://example.com" {
		t.Errorf("expected url to survive the payload unwrap, got %q", complete.URL)
	}
}

func TestParseExtensionMessage_UnknownType(t *testing.T) {
	typ, msg, _, err := ParseExtensionMessage([]byte(`{"type":"not_a_real_type"}`))
	if err == nil {
		t.Fatal("expected an error for unknown message type, got nil")
	}
	if msg != nil {
		t.Errorf("expected nil message for unknown type, got %v", msg)
	}
	if typ != "not_a_real_type" {
		t.Errorf("expected returned type %q, got %q", "not_a_real_type", typ)
	}
}

func TestParseAutomationMessage_OpenURL(t *testing.T) {
	input := []byte(`{"sessionId":"sess-1","requestId":"req-3","action":"open_url","url":"https://example.com"}`)

	req, err := ParseAutomationMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.Action != "open_url" {
		t.Errorf("expected action %q, got %q", "open_url", req.Action)
	}
	if req.RequestID != "req-3" {
		t.Errorf("expected requestId %q, got %q", "req-3", req.RequestID)
	}
}

func TestParseAutomationMessage_MissingAction(t *testing.T) {
	_, err := ParseAutomationMessage([]byte(`{"sessionId":"sess-1","requestId":"req-4"}`))
	if err == nil {
		t.Fatal("expected error for missing action field, got nil")
	}
}

func TestNewMessage_AutomationResponse(t *testing.T) {
	payload := AutomationResponse{
		RequestID: "req-5",
		Status:    "completed",
		Data:      map[string]interface{}{"tabId": 3},
	}

	data, err := NewMessage(ResponseTypeFor("open_url"), payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	if result["type"] != "open_url_response" {
		t.Errorf("expected type %q, got %v", "open_url_response", result["type"])
	}
	if result["requestId"] != "req-5" {
		t.Errorf("expected requestId %q, got %v", "req-5", result["requestId"])
	}
	if result["status"] != "completed" {
		t.Errorf("expected status %q, got %v", "completed", result["status"])
	}
}

func TestCommandEnvelope_MarshalJSON(t *testing.T) {
	env := CommandEnvelope{
		Type:      "open_url",
		RequestID: "req-6",
		Params:    map[string]interface{}{"url": "https://example.com"},
	}

	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	if result["type"] != "open_url" {
		t.Errorf("expected type %q, got %v", "open_url", result["type"])
	}
	if result["requestId"] != "req-6" {
		t.Errorf("expected requestId %q, got %v", "req-6", result["requestId"])
	}
	if result["url"] != "https://example.com" {
		t.Errorf("expected url to be flattened into the envelope, got %v", result["url"])
	}
}

func TestEnvelope_MissingType(t *testing.T) {
	input := []byte(`{"data":"no type field"}`)
	var env Envelope
	if err := json.Unmarshal(input, &env); err == nil {
		t.Fatal("expected error for missing type field, got nil")
	}
}

func TestEnvelope_InvalidJSON(t *testing.T) {
	input := []byte(`{invalid json}`)
	var env Envelope
	if err := json.Unmarshal(input, &env); err == nil {
		t.Fatal("expected error for invalid JSON, got nil")
	}
}

func TestParseExtensionMessage_AllKnownTypes(t *testing.T) {
	cases := []struct {
		name     string
		input    string
		wantType string
	}{
		{"ping", `{"type":"ping"}`, TypePing},
		{"init", `{"type":"init"}`, TypeInit},
		{"data", `{"type":"data","tabs":[],"active_tab_id":1}`, TypeData},
		{"open_url_complete", `{"type":"open_url_complete","requestId":"r1"}`, TypeOpenURLComplete},
		{"close_tab_complete", `{"type":"close_tab_complete","requestId":"r1"}`, TypeCloseTabComplete},
		{"execute_script_complete", `{"type":"execute_script_complete","requestId":"r1"}`, TypeExecuteScriptComplete},
		{"inject_css_complete", `{"type":"inject_css_complete","requestId":"r1"}`, TypeInjectCSSComplete},
		{"get_cookies_complete", `{"type":"get_cookies_complete","requestId":"r1"}`, TypeGetCookiesComplete},
		{"upload_file_to_tab_complete", `{"type":"upload_file_to_tab_complete","requestId":"r1"}`, TypeUploadFileToTabComplete},
		{"tab_html_complete", `{"type":"tab_html_complete","requestId":"r1"}`, TypeTabHTMLComplete},
		{"error", `{"type":"error","requestId":"r1","message":"boom"}`, TypeError},
		{"auth_response", `{"type":"auth_response","response":"abc"}`, TypeAuthResponse},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			typ, msg, _, err := ParseExtensionMessage([]byte(tc.input))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if typ != tc.wantType {
				t.Errorf("expected type %q, got %q", tc.wantType, typ)
			}
			if msg == nil {
				t.Error("expected non-nil message")
			}
		})
	}
}
