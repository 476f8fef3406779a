package skills

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeSkill(t *testing.T, root, name, content string) string {
	t.Helper()
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "SKILL.md"), []byte(content), 0o644); err != nil {
		t.Fatalf("write SKILL.md: %v", err)
	}
	return dir
}

const weatherSkill = `---
name: weather-briefing
description: Summarize the day's weather for the user's location.
version: "1.2"
---

Fetch the forecast first, then summarize it in two sentences.
`

func TestLoad_ValidSkill(t *testing.T) {
	root := t.TempDir()
	dir := writeSkill(t, root, "weather-briefing", weatherSkill)

	s, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.Name != "weather-briefing" {
		t.Fatalf("name = %q", s.Name)
	}
	if s.Description != "Summarize the day's weather for the user's location." {
		t.Fatalf("description = %q", s.Description)
	}
	if s.Metadata["version"] != "1.2" {
		t.Fatalf("metadata = %v", s.Metadata)
	}
	if _, ok := s.Metadata["name"]; ok {
		t.Fatal("name should be stripped from metadata")
	}
	if !strings.HasPrefix(s.Instructions, "Fetch the forecast") {
		t.Fatalf("instructions = %q", s.Instructions)
	}
	if s.Dir != dir {
		t.Fatalf("dir = %q, want %q", s.Dir, dir)
	}
}

func TestLoad_NameMustMatchDirectory(t *testing.T) {
	root := t.TempDir()
	dir := writeSkill(t, root, "other-name", weatherSkill)
	if _, err := Load(dir); err == nil {
		t.Fatal("expected error when frontmatter name differs from directory")
	}
}

func TestLoad_RejectsInvalidNames(t *testing.T) {
	tests := []struct {
		label string
		name  string
	}{
		{label: "empty", name: ""},
		{label: "uppercase", name: "Weather"},
		{label: "underscore", name: "weather_briefing"},
		{label: "trailing dash", name: "weather-"},
		{label: "too long", name: strings.Repeat("a", 65)},
	}
	root := t.TempDir()
	for _, tc := range tests {
		dirName := tc.name
		if dirName == "" || len(dirName) > 64 {
			dirName = "placeholder"
		}
		content := "---\nname: " + tc.name + "\ndescription: d\n---\nbody\n"
		dir := writeSkill(t, root, tc.label+"-"+dirName, content)
		if _, err := Load(dir); err == nil {
			t.Fatalf("%s: expected validation error for name %q", tc.label, tc.name)
		}
	}
}

func TestLoad_MissingFrontmatter(t *testing.T) {
	root := t.TempDir()
	dir := writeSkill(t, root, "no-front", "just markdown, no delimiters\n")
	if _, err := Load(dir); err == nil {
		t.Fatal("expected error for missing frontmatter")
	}
}

func TestLoad_UnterminatedFrontmatter(t *testing.T) {
	root := t.TempDir()
	dir := writeSkill(t, root, "open-front", "---\nname: open-front\ndescription: d\n")
	if _, err := Load(dir); err == nil {
		t.Fatal("expected error for unterminated frontmatter")
	}
}

func TestDiscover_SkipsInvalidAndMissing(t *testing.T) {
	root := t.TempDir()
	writeSkill(t, root, "weather-briefing", weatherSkill)
	writeSkill(t, root, "broken", "not a skill file\n")
	// Directory without a SKILL.md is silently ignored.
	if err := os.MkdirAll(filepath.Join(root, "empty-dir"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	reg := Discover([]string{root, filepath.Join(root, "does-not-exist")}, discardLogger())
	if reg.Len() != 1 {
		t.Fatalf("Len = %d, names = %v", reg.Len(), reg.Names())
	}
	if _, ok := reg.Get("weather-briefing"); !ok {
		t.Fatal("weather-briefing not discovered")
	}
	if _, ok := reg.Get("broken"); ok {
		t.Fatal("invalid skill should be skipped")
	}
}

func TestDiscover_EarlierRootWins(t *testing.T) {
	rootA := t.TempDir()
	rootB := t.TempDir()
	writeSkill(t, rootA, "weather-briefing", weatherSkill)
	writeSkill(t, rootB, "weather-briefing", `---
name: weather-briefing
description: shadowed copy
---
other instructions
`)

	reg := Discover([]string{rootA, rootB}, discardLogger())
	s, ok := reg.Get("weather-briefing")
	if !ok {
		t.Fatal("skill not found")
	}
	if s.Description == "shadowed copy" {
		t.Fatal("later root should not override earlier one")
	}
}

func TestDiscover_NamesSorted(t *testing.T) {
	root := t.TempDir()
	writeSkill(t, root, "zeta-skill", "---\nname: zeta-skill\ndescription: z\n---\nz\n")
	writeSkill(t, root, "alpha-skill", "---\nname: alpha-skill\ndescription: a\n---\na\n")

	reg := Discover([]string{root}, discardLogger())
	names := reg.Names()
	if len(names) != 2 || names[0] != "alpha-skill" || names[1] != "zeta-skill" {
		t.Fatalf("names = %v", names)
	}
}

func TestPromptBlock(t *testing.T) {
	root := t.TempDir()
	writeSkill(t, root, "weather-briefing", weatherSkill)
	writeSkill(t, root, "unit-convert", "---\nname: unit-convert\ndescription: Convert units.\n---\nAlways show both values.\n")

	reg := Discover([]string{root}, discardLogger())

	block := reg.PromptBlock(map[string]bool{"weather-briefing": true})
	if !strings.Contains(block, `<skill name="weather-briefing" active="true">`) {
		t.Fatalf("block missing active skill entry:\n%s", block)
	}
	if !strings.Contains(block, `<skill name="unit-convert" active="false">`) {
		t.Fatalf("block missing inactive skill entry:\n%s", block)
	}
	if !strings.Contains(block, "## Skill: weather-briefing") {
		t.Fatalf("active skill instructions missing:\n%s", block)
	}
	if strings.Contains(block, "Always show both values.") {
		t.Fatalf("inactive skill instructions should be excluded:\n%s", block)
	}
}

func TestPromptBlock_EmptyRegistry(t *testing.T) {
	reg := Discover(nil, discardLogger())
	if block := reg.PromptBlock(nil); block != "" {
		t.Fatalf("block = %q, want empty", block)
	}
}
