package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

const emptyDeny = "package %s\n\nimport rego.v1\n\ndeny contains msg if {\n\tfalse\n\tmsg := \"never\"\n}\n"

func writePolicy(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}
}

func TestLoadFromFile_Rego(t *testing.T) {
	loader := NewLoader(zerolog.Nop())

	tmpDir := t.TempDir()
	policyFile := filepath.Join(tmpDir, "public-endpoints.rego")

	regoContent := `# Rejects container groups without a DNS label
package custom.endpoints

import rego.v1

deny contains msg if {
	input.request.kind == "azure:containerinstance:ContainerGroup"
	not input.request.properties.properties.ipAddress.dnsNameLabel
	msg := "container group has no DNS label"
}`
	writePolicy(t, policyFile, regoContent)

	policy, err := loader.loadFromFile(context.Background(), policyFile)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}

	if policy.Name != "public-endpoints" {
		t.Errorf("Expected name 'public-endpoints', got '%s'", policy.Name)
	}
	if policy.Rego != regoContent {
		t.Error("Rego content doesn't match")
	}
	if policy.Description != "Rejects container groups without a DNS label" {
		t.Errorf("Unexpected description: %q", policy.Description)
	}
	if policy.Source != policyFile {
		t.Errorf("Expected source %s, got %s", policyFile, policy.Source)
	}
	if !policy.Enabled {
		t.Error("Policy should be enabled by default")
	}
}

func TestLoadFromFile_JSON(t *testing.T) {
	loader := NewLoader(zerolog.Nop())

	tmpDir := t.TempDir()
	policyFile := filepath.Join(tmpDir, "sku.json")

	data, err := json.Marshal(map[string]any{
		"description": "Pins database SKUs",
		"rego":        "package custom.sku\n\nimport rego.v1\n\nwarn contains msg if {\n\tfalse\n\tmsg := \"x\"\n}\n",
		"tags":        []string{"cost"},
	})
	if err != nil {
		t.Fatalf("Failed to marshal policy: %v", err)
	}
	writePolicy(t, policyFile, string(data))

	loaded, err := loader.loadFromFile(context.Background(), policyFile)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}

	if loaded.Name != "sku" {
		t.Errorf("Expected name derived from file 'sku', got '%s'", loaded.Name)
	}
	if loaded.Description != "Pins database SKUs" {
		t.Errorf("Unexpected description: %q", loaded.Description)
	}
	if !loaded.Enabled {
		t.Error("Expected JSON policy without enabled key to be enabled")
	}
	if len(loaded.Tags) != 1 || loaded.Tags[0] != "cost" {
		t.Errorf("Unexpected tags: %v", loaded.Tags)
	}
	if loaded.LoadedAt.IsZero() {
		t.Error("Expected LoadedAt to be set")
	}
}

func TestLoadFromFile_JSONWithoutRego(t *testing.T) {
	loader := NewLoader(zerolog.Nop())

	policyFile := filepath.Join(t.TempDir(), "empty.json")
	writePolicy(t, policyFile, `{"name": "empty"}`)

	if _, err := loader.loadFromFile(context.Background(), policyFile); err == nil {
		t.Error("Expected error for policy without rego source")
	}
}

func TestLoadFromDirectory(t *testing.T) {
	loader := NewLoader(zerolog.Nop())

	tmpDir := t.TempDir()
	for _, name := range []string{"policy1", "policy2", "policy3"} {
		writePolicy(t, filepath.Join(tmpDir, name+".rego"), sprintfPolicy(name))
	}
	writePolicy(t, filepath.Join(tmpDir, "README.md"), "# Policies")

	loaded, err := loader.loadFromDirectory(context.Background(), tmpDir)
	if err != nil {
		t.Fatalf("Failed to load directory: %v", err)
	}

	if len(loaded) != 3 {
		t.Errorf("Expected 3 policies, got %d", len(loaded))
	}
}

func TestLoadFromDirectory_Recursive(t *testing.T) {
	loader := NewLoader(zerolog.Nop())

	tmpDir := t.TempDir()
	subDir := filepath.Join(tmpDir, "subdir")
	if err := os.Mkdir(subDir, 0o755); err != nil {
		t.Fatalf("Failed to create subdirectory: %v", err)
	}

	writePolicy(t, filepath.Join(tmpDir, "p1.rego"), sprintfPolicy("p1"))
	writePolicy(t, filepath.Join(subDir, "p2.rego"), sprintfPolicy("p2"))

	loaded, err := loader.loadFromDirectory(context.Background(), tmpDir)
	if err != nil {
		t.Fatalf("Failed to load directory: %v", err)
	}

	if len(loaded) != 2 {
		t.Errorf("Expected 2 policies (including subdirectory), got %d", len(loaded))
	}
}

func TestLoadFromPaths(t *testing.T) {
	loader := NewLoader(zerolog.Nop())

	tmpDir := t.TempDir()
	dir1 := filepath.Join(tmpDir, "dir1")
	if err := os.Mkdir(dir1, 0o755); err != nil {
		t.Fatalf("Failed to create directory: %v", err)
	}
	writePolicy(t, filepath.Join(dir1, "p1.rego"), sprintfPolicy("p1"))

	file1 := filepath.Join(tmpDir, "p2.rego")
	writePolicy(t, file1, sprintfPolicy("p2"))

	loaded, err := loader.LoadFromPaths(context.Background(), []string{dir1, file1})
	if err != nil {
		t.Fatalf("Failed to load paths: %v", err)
	}

	if len(loaded) != 2 {
		t.Errorf("Expected 2 policies, got %d", len(loaded))
	}
}

func TestExtractDescription(t *testing.T) {
	loader := NewLoader(zerolog.Nop())

	tests := []struct {
		name     string
		content  string
		expected string
	}{
		{
			name:     "single line comment",
			content:  "# Checks firewall rules\npackage test",
			expected: "Checks firewall rules",
		},
		{
			name:     "multi line comments",
			content:  "# Checks firewall rules\n# on every server\npackage test",
			expected: "Checks firewall rules on every server",
		},
		{
			name:     "no comments",
			content:  "package test\n\nimport rego.v1",
			expected: "",
		},
		{
			name:     "comments with empty lines",
			content:  "# First line\n#\n# Second line\npackage test",
			expected: "First line Second line",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := loader.extractDescription(tt.content)
			if result != tt.expected {
				t.Errorf("Expected description '%s', got '%s'", tt.expected, result)
			}
		})
	}
}

func TestClearCache(t *testing.T) {
	loader := NewLoader(zerolog.Nop())

	policyFile := filepath.Join(t.TempDir(), "test.rego")
	writePolicy(t, policyFile, sprintfPolicy("test"))

	if _, err := loader.loadFromFile(context.Background(), policyFile); err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	if len(loader.cache) != 1 {
		t.Errorf("Expected 1 cache entry, got %d", len(loader.cache))
	}

	loader.ClearCache()

	if len(loader.cache) != 0 {
		t.Errorf("Expected 0 cache entries after clear, got %d", len(loader.cache))
	}
}

func TestLoadFromFile_UnsupportedType(t *testing.T) {
	loader := NewLoader(zerolog.Nop())

	policyFile := filepath.Join(t.TempDir(), "test.txt")
	writePolicy(t, policyFile, "not a policy")

	if _, err := loader.loadFromFile(context.Background(), policyFile); err == nil {
		t.Error("Expected error for unsupported file type")
	}
}

func TestLoadFromFile_InvalidJSON(t *testing.T) {
	loader := NewLoader(zerolog.Nop())

	policyFile := filepath.Join(t.TempDir(), "test.json")
	writePolicy(t, policyFile, "invalid json")

	if _, err := loader.loadFromFile(context.Background(), policyFile); err == nil {
		t.Error("Expected error for invalid JSON")
	}
}

func TestLoadFromPath_NonExistent(t *testing.T) {
	loader := NewLoader(zerolog.Nop())

	if _, err := loader.loadFromPath(context.Background(), "/nonexistent/path"); err == nil {
		t.Error("Expected error for non-existent path")
	}
}

func TestWatch_ReloadsOnWrite(t *testing.T) {
	loader := NewLoader(zerolog.Nop())

	dir := t.TempDir()
	writePolicy(t, filepath.Join(dir, "p1.rego"), sprintfPolicy("p1"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan []Policy, 4)
	err := loader.Watch(ctx, []string{dir}, func(policies []Policy) error {
		reloaded <- policies
		return nil
	})
	if err != nil {
		t.Fatalf("Failed to start watching: %v", err)
	}

	writePolicy(t, filepath.Join(dir, "p2.rego"), sprintfPolicy("p2"))

	select {
	case policies := <-reloaded:
		if len(policies) != 2 {
			t.Errorf("Expected 2 policies after reload, got %d", len(policies))
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Timed out waiting for reload")
	}
}

func sprintfPolicy(pkg string) string {
	return fmt.Sprintf(emptyDeny, pkg)
}

func TestLoadFromFile_HeaderTags(t *testing.T) {
	loader := NewLoader(zerolog.Nop())

	policyFile := filepath.Join(t.TempDir(), "regions.rego")
	writePolicy(t, policyFile, "# Keeps resources in EU regions\n# tags: compliance, location\n"+sprintfPolicy("custom.regions"))

	p, err := loader.loadFromFile(context.Background(), policyFile)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	if p.Description != "Keeps resources in EU regions" {
		t.Errorf("Unexpected description: %q", p.Description)
	}
	if len(p.Tags) != 2 || p.Tags[0] != "compliance" || p.Tags[1] != "location" {
		t.Errorf("Expected tags [compliance location], got %v", p.Tags)
	}
}

func TestLoadFromDirectory_SkipsTestsAndHidden(t *testing.T) {
	loader := NewLoader(zerolog.Nop())

	dir := t.TempDir()
	hidden := filepath.Join(dir, ".git")
	if err := os.Mkdir(hidden, 0o755); err != nil {
		t.Fatalf("Failed to create directory: %v", err)
	}
	writePolicy(t, filepath.Join(dir, "naming.rego"), sprintfPolicy("naming"))
	writePolicy(t, filepath.Join(dir, "naming_test.rego"), sprintfPolicy("naming_test"))
	writePolicy(t, filepath.Join(hidden, "stale.rego"), sprintfPolicy("stale"))

	loaded, err := loader.loadFromDirectory(context.Background(), dir)
	if err != nil {
		t.Fatalf("Failed to load directory: %v", err)
	}
	if len(loaded) != 1 || loaded[0].Name != "naming" {
		t.Fatalf("Expected only the naming policy, got: %v", loaded)
	}
}

func TestLoadFromFile_CacheFollowsModTime(t *testing.T) {
	loader := NewLoader(zerolog.Nop())

	policyFile := filepath.Join(t.TempDir(), "p.rego")
	writePolicy(t, policyFile, "# first\n"+sprintfPolicy("p"))
	first, err := loader.loadFromFile(context.Background(), policyFile)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}

	writePolicy(t, policyFile, "# second\n"+sprintfPolicy("p"))
	later := time.Now().Add(time.Minute)
	if err := os.Chtimes(policyFile, later, later); err != nil {
		t.Fatalf("Failed to touch policy: %v", err)
	}

	second, err := loader.loadFromFile(context.Background(), policyFile)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	if first.Description != "first" || second.Description != "second" {
		t.Fatalf("Expected the edited file to be re-read, got: %q then %q", first.Description, second.Description)
	}
}
