package playbook_test

import (
	"strings"
	"testing"

	"github.com/zeroscript/zeroscript/pkg/playbook"
)

func TestDecode_Valid(t *testing.T) {
	t.Parallel()
	const doc = `
scripts:
  - intent: price_inquiry
    phrases: ["How much does this cost?", "What's your pricing?"]
    script: The investment is [Amount] per month.
  - intent: guarantee_question
    phrases: ["Is there a guarantee?"]
    script: You are protected by a money-back guarantee.
`
	f, err := playbook.Decode(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(f.Scripts) != 2 {
		t.Fatalf("scripts = %d, want 2", len(f.Scripts))
	}
	if f.Scripts[0].Intent != "price_inquiry" || len(f.Scripts[0].Phrases) != 2 {
		t.Errorf("scripts[0] = %+v", f.Scripts[0])
	}
}

func TestDecode_Invalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		doc     string
		wantErr string
	}{
		{"empty", "scripts: []\n", "no scripts defined"},
		{"missing intent", "scripts:\n  - phrases: [a]\n    script: s\n", "intent is required"},
		{"missing script", "scripts:\n  - intent: x\n    phrases: [a]\n", "script is required"},
		{"no phrases", "scripts:\n  - intent: x\n    script: s\n", "at least one phrase"},
		{"blank phrase", "scripts:\n  - intent: x\n    phrases: [\"  \"]\n    script: s\n", "phrase is empty"},
		{"duplicate", "scripts:\n  - intent: x\n    phrases: [a]\n    script: s\n  - intent: x\n    phrases: [b]\n    script: t\n", "duplicate intent"},
		{"unknown field", "scripts:\n  - intent: x\n    phrases: [a]\n    script: s\n    weight: 2\n", "weight"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := playbook.Decode(strings.NewReader(tt.doc))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("err = %v, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFile_Shipped(t *testing.T) {
	t.Parallel()
	f, err := playbook.LoadFile("../../configs/playbook.yaml")
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if len(f.Scripts) != 5 {
		t.Errorf("scripts = %d, want 5", len(f.Scripts))
	}
}
