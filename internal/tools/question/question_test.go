package question

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/muxsh/mux/internal/tools"
)

func call(t *testing.T, input Input, toolCallID string) tools.Call {
	t.Helper()
	raw, err := json.Marshal(input)
	if err != nil {
		t.Fatal(err)
	}
	return tools.Call{WorkspaceID: "ws-1", ToolCallID: toolCallID, Input: raw}
}

func TestAnswerResolvesPending(t *testing.T) {
	m := NewManager()
	tool := NewTool(m)

	done := make(chan *tools.Result, 1)
	go func() {
		res, _ := tool.Execute(context.Background(), call(t, Input{
			Questions: []Spec{{Question: "Deploy to prod?", Options: []string{"yes", "no"}}},
		}, "tc-1"))
		done <- res
	}()

	// Wait for the prompt to register, then answer it.
	deadline := time.Now().Add(5 * time.Second)
	for len(m.Pending("ws-1")) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("prompt never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}
	pending := m.Pending("ws-1")
	if pending[0].ToolCallID != "tc-1" || pending[0].Questions[0].Question != "Deploy to prod?" {
		t.Errorf("pending = %+v", pending[0])
	}

	if err := m.Answer("ws-1", "tc-1", map[string]string{"Deploy to prod?": "yes"}); err != nil {
		t.Fatalf("Answer: %v", err)
	}
	res := <-done
	if !res.Success || !strings.Contains(res.Content, `"yes"`) {
		t.Errorf("result = %+v", res)
	}
	if len(m.Pending("ws-1")) != 0 {
		t.Error("prompt survived its answer")
	}
}

func TestPrefilledAnswersShortCircuit(t *testing.T) {
	m := NewManager()
	tool := NewTool(m)
	res, err := tool.Execute(context.Background(), call(t, Input{
		Questions: []Spec{{Question: "q"}},
		Answers:   map[string]string{"q": "prefilled"},
	}, "tc-1"))
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success || !strings.Contains(res.Content, "prefilled") {
		t.Errorf("result = %+v", res)
	}
	if len(m.Pending("ws-1")) != 0 {
		t.Error("pre-filled call registered a prompt")
	}
}

func TestAbortCancelsPending(t *testing.T) {
	m := NewManager()
	tool := NewTool(m)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan *tools.Result, 1)
	go func() {
		res, _ := tool.Execute(ctx, call(t, Input{Questions: []Spec{{Question: "q"}}}, "tc-1"))
		done <- res
	}()
	deadline := time.Now().Add(5 * time.Second)
	for len(m.Pending("ws-1")) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("prompt never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	res := <-done
	if res.Success || res.Error != "aborted" {
		t.Errorf("result = %+v", res)
	}
	if len(m.Pending("ws-1")) != 0 {
		t.Error("aborted prompt still pending")
	}
	if err := m.Answer("ws-1", "tc-1", nil); err == nil {
		t.Error("answering an aborted prompt succeeded")
	}
}

func TestDuplicateToolCallRejected(t *testing.T) {
	m := NewManager()
	if _, err := m.register("ws-1", "tc-1", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := m.register("ws-1", "tc-1", nil); err == nil {
		t.Error("duplicate registration accepted")
	}
	// Same tool call id in another workspace is a different key.
	if _, err := m.register("ws-2", "tc-1", nil); err != nil {
		t.Errorf("cross-workspace key collision: %v", err)
	}
}
