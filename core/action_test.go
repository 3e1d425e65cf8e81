package core

import (
	"strings"
	"testing"
)

func TestParseAction(t *testing.T) {
	tests := []struct {
		name      string
		raw       string
		wantKind  ActionKind
		wantKnown bool
	}{
		{
			name:      "plain json",
			raw:       `{"thinking":"x","action":"read_file","params":{"path":"main.go"}}`,
			wantKind:  ActionReadFile,
			wantKnown: true,
		},
		{
			name:      "fenced json",
			raw:       "```json\n{\"action\":\"done\"}\n```",
			wantKind:  ActionDone,
			wantKnown: true,
		},
		{
			name:      "fence without language tag",
			raw:       "```\n{\"action\":\"message\",\"message\":\"hi\"}\n```",
			wantKind:  ActionMessage,
			wantKnown: true,
		},
		{
			name:      "non-json degrades to message",
			raw:       "I will now read the file.",
			wantKind:  ActionMessage,
			wantKnown: true,
		},
		{
			name:      "unknown kind degrades to message",
			raw:       `{"action":"launch_rocket"}`,
			wantKind:  ActionMessage,
			wantKnown: false,
		},
		{
			name:      "missing kind defaults to message",
			raw:       `{"message":"status update"}`,
			wantKind:  ActionMessage,
			wantKnown: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			action, known := ParseAction(tt.raw)
			if action.Kind != tt.wantKind {
				t.Errorf("kind = %q, want %q", action.Kind, tt.wantKind)
			}
			if known != tt.wantKnown {
				t.Errorf("known = %v, want %v", known, tt.wantKnown)
			}
		})
	}
}

func TestParseActionPreservesText(t *testing.T) {
	action, _ := ParseAction("just some prose")
	if action.Message != "just some prose" {
		t.Errorf("message = %q", action.Message)
	}
}

func TestActionValidate(t *testing.T) {
	tests := []struct {
		name    string
		action  Action
		wantErr string
	}{
		{
			name:   "read_file with path",
			action: Action{Kind: ActionReadFile, Params: ActionParams{Path: "a.go"}},
		},
		{
			name:    "read_file without path",
			action:  Action{Kind: ActionReadFile},
			wantErr: "path",
		},
		{
			name:    "edit_file without search",
			action:  Action{Kind: ActionEditFile, Params: ActionParams{Path: "a.go"}},
			wantErr: "search",
		},
		{
			name:    "run_command without command",
			action:  Action{Kind: ActionRunCommand},
			wantErr: "command",
		},
		{
			name:    "update_task without task_id",
			action:  Action{Kind: ActionUpdateTask, Params: ActionParams{Status: "done"}},
			wantErr: "task_id",
		},
		{
			name:   "list_files without path is fine",
			action: Action{Kind: ActionListFiles},
		},
		{
			name:   "message needs nothing",
			action: Action{Kind: ActionMessage},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.action.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestStripFences(t *testing.T) {
	if got := StripFences("```json\n{}\n```"); got != "{}" {
		t.Errorf("got %q", got)
	}
	if got := StripFences("no fences"); got != "no fences" {
		t.Errorf("got %q", got)
	}
}
