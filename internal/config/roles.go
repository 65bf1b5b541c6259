package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ShayCichocki/trunkline/pkg/models"
)

// LoadRoles returns the agent roles available to the quality pipeline. When
// rolesDir is non-empty, every *.yaml file in it is loaded as one role and
// merged over the built-ins (file roles win by name).
func LoadRoles(rolesDir string) (map[string]models.AgentRole, error) {
	roles := BuiltinRoles()
	if rolesDir == "" {
		return roles, nil
	}

	entries, err := os.ReadDir(rolesDir)
	if err != nil {
		return nil, fmt.Errorf("read roles directory: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".yaml") {
			continue
		}
		path := filepath.Join(rolesDir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read role %s: %w", path, err)
		}
		var role models.AgentRole
		if err := yaml.Unmarshal(data, &role); err != nil {
			return nil, fmt.Errorf("parse role %s: %w", path, err)
		}
		if role.Name == "" {
			role.Name = strings.TrimSuffix(entry.Name(), ".yaml")
		}
		applyRoleDefaults(&role)
		roles[role.Name] = role
	}
	return roles, nil
}

func applyRoleDefaults(role *models.AgentRole) {
	if role.MaxTurns == 0 {
		role.MaxTurns = 20
	}
	if role.Model == "" {
		role.Model = "claude-sonnet-4-5"
	}
	if len(role.Tools) == 0 {
		role.Tools = []string{"read", "grep", "glob"}
	}
}

// BuiltinRoles returns the default quality agents. They mirror the tier
// defaults: every tier's agent list resolves against this set unless a
// roles directory overrides it.
func BuiltinRoles() map[string]models.AgentRole {
	roles := map[string]models.AgentRole{
		"tests": {
			Name: "tests",
			SystemPrompt: `You are a test reviewer for a continuous-delivery pipeline.
Examine the changed files, run the project's test suite with the bash tool,
and report failures. When a failing test has an obvious, safe fix in the
changed code, apply it with the edit tool. Respond with a JSON object:
{"agent":"tests","status":"passed|failed|error","findings":[{"severity":"...",
"description":"...","file":"...","line":0,"fix_applied":false}],"fixes_applied":0}`,
			Model:    "claude-sonnet-4-5",
			Tools:    []string{"bash", "read", "edit", "glob", "grep"},
			MaxTurns: 25,
		},
		"style": {
			Name: "style",
			SystemPrompt: `You are a code-style reviewer. Check the changed files for
formatting, naming, and lint violations using the project's own tooling.
Apply mechanical fixes directly with the edit tool. Respond with the standard
JSON verdict object.`,
			Model:    "claude-sonnet-4-5",
			Tools:    []string{"bash", "read", "edit", "glob", "grep"},
			MaxTurns: 15,
		},
		"security": {
			Name: "security",
			SystemPrompt: `You are a security reviewer. Inspect the changed files for
injection risks, secret leakage, unsafe deserialization, and missing input
validation. Do not modify code; report findings only. Respond with the
standard JSON verdict object.`,
			Model:    "claude-sonnet-4-5",
			Tools:    []string{"read", "glob", "grep"},
			MaxTurns: 15,
		},
		"architecture": {
			Name: "architecture",
			SystemPrompt: `You are an architecture reviewer for large changes. Assess
module boundaries, dependency direction, and API consistency against the
existing codebase. Report findings only. Respond with the standard JSON
verdict object.`,
			Model:    "claude-opus-4-5",
			Tools:    []string{"read", "glob", "grep"},
			MaxTurns: 20,
		},
	}
	return roles
}

// ResolveRoles maps agent names to roles, erroring on unknown names so a
// misconfigured tier fails loudly at startup rather than mid-pipeline.
func ResolveRoles(names []string, roles map[string]models.AgentRole) ([]models.AgentRole, error) {
	resolved := make([]models.AgentRole, 0, len(names))
	for _, name := range names {
		role, ok := roles[name]
		if !ok {
			return nil, fmt.Errorf("unknown agent role %q", name)
		}
		resolved = append(resolved, role)
	}
	return resolved, nil
}
