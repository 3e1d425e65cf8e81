package core

import "testing"

func TestRoleAllows(t *testing.T) {
	dev := DeveloperRole("prompt")
	if !dev.Allows(ActionWriteFile) {
		t.Error("developer should be allowed to write files")
	}
	if dev.Allows(ActionCreateTask) {
		t.Error("developer must not create tasks")
	}
	if dev.Allows(ActionDone) {
		t.Error("developer must not complete the mission")
	}

	orch := OrchestratorRole("prompt")
	// Nil capability set means every known kind.
	if !orch.Allows(ActionCreateTasks) || !orch.Allows(ActionDone) {
		t.Error("orchestrator should allow all known kinds")
	}
	if orch.Allows(ActionKind("launch_rocket")) {
		t.Error("unknown kinds are never allowed")
	}
}

func TestRoleCanWrite(t *testing.T) {
	tests := []struct {
		name string
		role Role
		path string
		want bool
	}{
		{"developer writes anywhere", DeveloperRole(""), "src/server.go", true},
		{"reviewer writes nowhere", ReviewerRole(""), "src/server.go", false},
		{"tester writes test files", TesterRole(""), "pkg/server_test.go", true},
		{"tester writes spec files", TesterRole(""), "spec/api.js", true},
		{"tester blocked from source", TesterRole(""), "src/server.go", false},
		{"orchestrator writes anywhere", OrchestratorRole(""), "README.md", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.role.CanWrite(tt.path); got != tt.want {
				t.Errorf("CanWrite(%q) = %v, want %v", tt.path, got, tt.want)
			}
		})
	}
}

func TestOnlyOrchestratorIsPrivileged(t *testing.T) {
	for _, role := range []Role{DeveloperRole(""), ReviewerRole(""), TesterRole("")} {
		if role.Privileged {
			t.Errorf("%s must not be privileged", role.Name)
		}
	}
	if !OrchestratorRole("").Privileged {
		t.Error("orchestrator must be privileged")
	}
}
