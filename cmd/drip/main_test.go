package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func TestRun_NoArgsPrintsUsage(t *testing.T) {
	var stdout, stderr bytes.Buffer

	if err := run(context.Background(), &stdout, &stderr, nil); err != nil {
		t.Fatalf("run with no args: %v", err)
	}
	if !strings.Contains(stdout.String(), "Usage: drip") {
		t.Errorf("usage output missing, got: %q", stdout.String())
	}
}

func TestRun_HelpFlag(t *testing.T) {
	for _, flag := range []string{"-h", "-help", "--help"} {
		var stdout, stderr bytes.Buffer
		if err := run(context.Background(), &stdout, &stderr, []string{flag}); err != nil {
			t.Errorf("run(%s): %v", flag, err)
		}
		if !strings.Contains(stdout.String(), "Usage: drip") {
			t.Errorf("run(%s): usage output missing", flag)
		}
	}
}

func TestRun_ArgErrors(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{"unknown command", []string{"frobnicate"}, "unknown command"},
		{"unknown flag", []string{"-frobnicate"}, "unknown flag"},
		{"bad output format", []string{"-o", "xml", "version"}, "unknown output format"},
		{"watch without id", []string{"watch"}, "usage: drip watch"},
		{"claim without args", []string{"claim"}, "usage: drip claim"},
		{"water without id", []string{"water"}, "usage: drip water"},
		{"preset without args", []string{"preset", "7"}, "usage: drip preset"},
		{"login without email", []string{"login"}, "usage: drip login"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			err := run(context.Background(), &stdout, &stderr, tt.args)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestRunVersion_Text(t *testing.T) {
	var buf bytes.Buffer
	if err := runVersion(&buf, "text"); err != nil {
		t.Fatalf("runVersion: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"Drip", "version:", "go_version:"} {
		if !strings.Contains(out, want) {
			t.Errorf("text output missing %q, got: %q", want, out)
		}
	}
}

func TestRunVersion_JSON(t *testing.T) {
	var buf bytes.Buffer
	if err := runVersion(&buf, "json"); err != nil {
		t.Fatalf("runVersion: %v", err)
	}

	var info map[string]string
	if err := json.Unmarshal(buf.Bytes(), &info); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if info["version"] == "" {
		t.Error("json output missing version field")
	}
}
