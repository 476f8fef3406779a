// Package skills discovers SKILL.md skill definitions on disk and renders
// them into system prompt blocks. A skill is a directory containing a
// SKILL.md file with YAML frontmatter followed by markdown instructions.
package skills

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	skillFileName = "SKILL.md"
	// maxSkillFileBytes bounds how much of a SKILL.md is read.
	maxSkillFileBytes = 2 << 20
	maxNameLen        = 64
	maxDescriptionLen = 1024
)

var kebabName = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)

// Skill is one discovered skill definition.
type Skill struct {
	Name         string
	Description  string
	Metadata     map[string]any
	Instructions string
	Dir          string
}

// Registry holds the discovered skills in stable name order.
type Registry struct {
	skills map[string]Skill
	names  []string
}

// Discover walks each root directory's immediate children looking for
// SKILL.md files. Invalid skills are logged and skipped rather than failing
// discovery; later roots do not override earlier ones on name collision.
func Discover(roots []string, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	reg := &Registry{skills: map[string]Skill{}}
	for _, root := range roots {
		entries, err := os.ReadDir(root)
		if err != nil {
			if !os.IsNotExist(err) {
				logger.Warn("skills dir unreadable", "dir", root, "error", err)
			}
			continue
		}
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			dir := filepath.Join(root, entry.Name())
			skill, err := Load(dir)
			if err != nil {
				if !os.IsNotExist(err) {
					logger.Warn("skipping invalid skill", "dir", dir, "error", err)
				}
				continue
			}
			if _, exists := reg.skills[skill.Name]; exists {
				logger.Warn("duplicate skill name", "name", skill.Name, "dir", dir)
				continue
			}
			reg.skills[skill.Name] = skill
			reg.names = append(reg.names, skill.Name)
		}
	}
	sort.Strings(reg.names)
	return reg
}

// Load parses the SKILL.md inside dir. The frontmatter name must be
// kebab-case and match the directory's base name.
func Load(dir string) (Skill, error) {
	path := filepath.Join(dir, skillFileName)
	info, err := os.Lstat(path)
	if err != nil {
		return Skill{}, err
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return Skill{}, fmt.Errorf("%s is a symlink", skillFileName)
	}
	if info.Size() > maxSkillFileBytes {
		return Skill{}, fmt.Errorf("%s exceeds %d bytes", skillFileName, maxSkillFileBytes)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Skill{}, err
	}

	front, body, err := splitFrontmatter(string(data))
	if err != nil {
		return Skill{}, err
	}

	meta := map[string]any{}
	if err := yaml.Unmarshal([]byte(front), &meta); err != nil {
		return Skill{}, fmt.Errorf("parse frontmatter: %w", err)
	}

	name, _ := meta["name"].(string)
	description, _ := meta["description"].(string)
	delete(meta, "name")
	delete(meta, "description")

	if err := validateName(name); err != nil {
		return Skill{}, err
	}
	if name != filepath.Base(dir) {
		return Skill{}, fmt.Errorf("skill name %q does not match directory %q", name, filepath.Base(dir))
	}
	if len(description) > maxDescriptionLen {
		return Skill{}, fmt.Errorf("description exceeds %d characters", maxDescriptionLen)
	}

	return Skill{
		Name:         name,
		Description:  strings.TrimSpace(description),
		Metadata:     meta,
		Instructions: strings.TrimSpace(body),
		Dir:          dir,
	}, nil
}

func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("skill name is required")
	}
	if len(name) > maxNameLen {
		return fmt.Errorf("skill name exceeds %d characters", maxNameLen)
	}
	if !kebabName.MatchString(name) {
		return fmt.Errorf("skill name %q is not kebab-case", name)
	}
	return nil
}

// splitFrontmatter separates the leading --- delimited YAML block from the
// markdown body.
func splitFrontmatter(content string) (front, body string, err error) {
	scanner := bufio.NewScanner(strings.NewReader(content))
	scanner.Buffer(make([]byte, 0, 64*1024), maxSkillFileBytes)

	if !scanner.Scan() || strings.TrimSpace(scanner.Text()) != "---" {
		return "", "", fmt.Errorf("missing frontmatter delimiter")
	}

	var frontLines []string
	terminated := false
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "---" {
			terminated = true
			break
		}
		frontLines = append(frontLines, line)
	}
	if !terminated {
		return "", "", fmt.Errorf("unterminated frontmatter")
	}

	var bodyLines []string
	for scanner.Scan() {
		bodyLines = append(bodyLines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return "", "", err
	}
	return strings.Join(frontLines, "\n"), strings.Join(bodyLines, "\n"), nil
}

// Names returns all skill names in sorted order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.names))
	copy(out, r.names)
	return out
}

// Get returns the named skill.
func (r *Registry) Get(name string) (Skill, bool) {
	s, ok := r.skills[name]
	return s, ok
}

// Len returns the number of discovered skills.
func (r *Registry) Len() int { return len(r.names) }

// PromptBlock renders the skills section of a system prompt: an index of
// every available skill, then the full instructions of each active one.
func (r *Registry) PromptBlock(active map[string]bool) string {
	if len(r.names) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("<available_skills>\n")
	for _, name := range r.names {
		s := r.skills[name]
		fmt.Fprintf(&b, "  <skill name=%q active=%q>%s</skill>\n",
			s.Name, fmt.Sprintf("%t", active[name]), s.Description)
	}
	b.WriteString("</available_skills>")

	for _, name := range r.names {
		if !active[name] {
			continue
		}
		s := r.skills[name]
		if s.Instructions == "" {
			continue
		}
		fmt.Fprintf(&b, "\n\n## Skill: %s\n\n%s", s.Name, s.Instructions)
	}
	return b.String()
}
