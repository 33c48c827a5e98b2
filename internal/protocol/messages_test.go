package protocol

import (
	"encoding/json"
	"testing"
)

func TestNewMessage(t *testing.T) {
	msg, err := NewMessage(TypeJobStarted, JobStarted{ExecutionID: "e1", AgentID: "a1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if msg.Type != TypeJobStarted {
		t.Errorf("expected type %s, got %s", TypeJobStarted, msg.Type)
	}
	if msg.ID == "" {
		t.Error("expected non-empty ID")
	}
	if msg.Timestamp.IsZero() {
		t.Error("expected non-zero timestamp")
	}

	var decoded map[string]any
	if err := json.Unmarshal(msg.Payload, &decoded); err != nil {
		t.Fatalf("failed to decode payload: %v", err)
	}
	if decoded["executionId"] != "e1" {
		t.Errorf("expected executionId e1, got %v", decoded["executionId"])
	}
	if decoded["agentId"] != "a1" {
		t.Errorf("expected agentId a1, got %v", decoded["agentId"])
	}
}

func TestParseMessage_Invalid(t *testing.T) {
	if _, err := ParseMessage([]byte("not json")); err == nil {
		t.Error("expected error for invalid JSON")
	}
	if _, err := ParseMessage([]byte(`{"payload":{}}`)); err == nil {
		t.Error("expected error for missing type")
	}
}

func TestDecode_JobDispatch(t *testing.T) {
	frame := []byte(`{"type":"job_dispatch","payload":{"executionId":"e1","jobId":"j1","script":"exit 0","parameters":{"name":"report","count":3},"timeoutSeconds":5,"documentPath":"/tmp/a.doc"}}`)

	in, err := Decode(frame)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	dispatch, ok := in.(*JobDispatch)
	if !ok {
		t.Fatalf("expected *JobDispatch, got %T", in)
	}
	if dispatch.ExecutionID != "e1" || dispatch.JobID != "j1" {
		t.Errorf("unexpected ids: %+v", dispatch)
	}
	if dispatch.TimeoutSeconds != 5 {
		t.Errorf("expected timeout 5, got %d", dispatch.TimeoutSeconds)
	}
	if dispatch.DocumentPath != "/tmp/a.doc" {
		t.Errorf("expected document path, got %q", dispatch.DocumentPath)
	}
	if dispatch.Parameters["name"] != "report" {
		t.Errorf("expected parameter name=report, got %v", dispatch.Parameters["name"])
	}
	if dispatch.Type() != TypeJobDispatch {
		t.Errorf("expected Type() %s, got %s", TypeJobDispatch, dispatch.Type())
	}
}

func TestDecode_FlatFrame(t *testing.T) {
	in, err := Decode([]byte(`{"type":"job_cancel","executionId":"e9"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cancel, ok := in.(*JobCancel)
	if !ok {
		t.Fatalf("expected *JobCancel, got %T", in)
	}
	if cancel.ExecutionID != "e9" {
		t.Errorf("expected executionId e9, got %q", cancel.ExecutionID)
	}
}

func TestDecode_WorkflowDispatch(t *testing.T) {
	frame := []byte(`{"type":"workflow_dispatch","payload":{"workflowExecutionId":"w1","steps":[
		{"stepIndex":0,"name":"first","jobId":"j1","script":"exit 0","documentPath":"/d/1","timeoutSeconds":10,"onError":"stop"},
		{"stepIndex":1,"name":"second","jobId":"j2","script":"exit 1","documentPath":"/d/2","timeoutSeconds":10,"onError":"skip"}
	]}}`)

	in, err := Decode(frame)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	wf, ok := in.(*WorkflowDispatch)
	if !ok {
		t.Fatalf("expected *WorkflowDispatch, got %T", in)
	}
	if wf.WorkflowExecutionID != "w1" {
		t.Errorf("expected w1, got %q", wf.WorkflowExecutionID)
	}
	if len(wf.Steps) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(wf.Steps))
	}
	if wf.Steps[0].OnError != "stop" || wf.Steps[1].OnError != "skip" {
		t.Errorf("unexpected error policies: %q %q", wf.Steps[0].OnError, wf.Steps[1].OnError)
	}
}

func TestDecode_Documents(t *testing.T) {
	in, err := Decode([]byte(`{"type":"open_document","payload":{"executionId":"x","documentPath":"/d/a","readOnly":true}}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	open, ok := in.(*OpenDocument)
	if !ok || !open.ReadOnly || open.DocumentPath != "/d/a" {
		t.Fatalf("unexpected open_document decode: %#v", in)
	}

	in, err = Decode([]byte(`{"type":"close_document","payload":{"executionId":"x","save":true,"saveAsPath":"/d/b"}}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	closeDoc, ok := in.(*CloseDocument)
	if !ok || !closeDoc.Save || closeDoc.SaveAsPath != "/d/b" {
		t.Fatalf("unexpected close_document decode: %#v", in)
	}
}

func TestDecode_UnknownType(t *testing.T) {
	in, err := Decode([]byte(`{"type":"future_feature","payload":{"x":1}}`))
	if err != nil {
		t.Fatalf("unknown types must not error, got %v", err)
	}
	unknown, ok := in.(*Unknown)
	if !ok {
		t.Fatalf("expected *Unknown, got %T", in)
	}
	if unknown.Type() != "future_feature" {
		t.Errorf("expected type future_feature, got %s", unknown.Type())
	}
}

func TestDecode_MalformedPayload(t *testing.T) {
	_, err := Decode([]byte(`{"type":"job_dispatch","payload":{"timeoutSeconds":"soon"}}`))
	if err == nil {
		t.Error("expected error for malformed payload")
	}
}

func TestEncode(t *testing.T) {
	data, err := Encode(TypeJobCompleted, JobCompleted{ExecutionID: "e1", Status: "failed", ExitCode: -1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	msg, err := ParseMessage(data)
	if err != nil {
		t.Fatalf("failed to parse message: %v", err)
	}
	if msg.Type != TypeJobCompleted {
		t.Errorf("expected type %s, got %s", TypeJobCompleted, msg.Type)
	}

	var payload JobCompleted
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		t.Fatalf("failed to decode payload: %v", err)
	}
	if payload.ExitCode != -1 || payload.Status != "failed" {
		t.Errorf("unexpected payload: %+v", payload)
	}
}
