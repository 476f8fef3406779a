package tools

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/voicewire/voicewire/pkg/gateway/identity"
	"github.com/voicewire/voicewire/pkg/gateway/skills"
)

// SkillState is the per-session view of which skills are active. Activating
// or deactivating a skill changes the session's system prompt.
type SkillState interface {
	ActivateSkill(name string) error
	DeactivateSkill(name string) error
	ActiveSkills() []string
}

// Deps carries everything the builtin tools need.
type Deps struct {
	Identity   *identity.Store
	Skills     *skills.Registry
	SkillState SkillState

	WorkspaceDir string

	SearchAPIKey  string
	SearchBaseURL string
	HTTPClient    *http.Client

	AllowShell bool
	PythonExec bool

	MemoryMaxChars int

	Logger *slog.Logger
}

// RegisterBuiltins registers the builtin tool suite. enabled filters by tool
// name; an empty set means every applicable tool. Tools whose prerequisites
// are missing (no search key, shell disabled) are not registered at all, so
// the model never sees them.
func RegisterBuiltins(reg *Registry, deps Deps, enabled []string) {
	allow := map[string]bool{}
	for _, name := range enabled {
		name = strings.TrimSpace(name)
		if name != "" {
			allow[name] = true
		}
	}
	add := func(t Tool) {
		if len(allow) > 0 && !allow[t.Name] {
			return
		}
		reg.Register(t)
	}

	add(Tool{
		Name:        "get_datetime",
		Description: "Get the current date and time, including the weekday and timezone.",
		Parameters:  []byte(`{"type":"object","properties":{}}`),
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			now := time.Now()
			return fmt.Sprintf("%s (%s)", now.Format("2006-01-02 15:04:05 MST"), now.Weekday()), nil
		},
	})

	add(Tool{
		Name:        "calculate",
		Description: "Evaluate an arithmetic expression. Supports + - * / % and parentheses.",
		Parameters:  []byte(`{"type":"object","properties":{"expression":{"type":"string","description":"The expression to evaluate, e.g. (2+3)*4"}},"required":["expression"]}`),
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			expr, err := stringArg(args, "expression")
			if err != nil {
				return "", err
			}
			val, err := evalExpression(expr)
			if err != nil {
				return "", err
			}
			return formatNumber(val), nil
		},
	})

	if deps.SearchAPIKey != "" {
		add(webSearchTool(deps))
	}

	if deps.WorkspaceDir != "" {
		registerFileTools(add, deps)
	}

	if deps.AllowShell && deps.WorkspaceDir != "" {
		add(runCommandTool(deps))
	}
	if deps.PythonExec && deps.WorkspaceDir != "" {
		add(runPythonTool(deps))
	}

	if deps.Skills != nil && deps.Skills.Len() > 0 && deps.SkillState != nil {
		registerSkillTools(add, deps)
	}

	if deps.Identity != nil {
		registerIdentityTools(add, deps)
	}
}

func registerSkillTools(add func(Tool), deps Deps) {
	add(Tool{
		Name:        "list_skills",
		Description: "List the available skills with their descriptions and whether each is active.",
		Parameters:  []byte(`{"type":"object","properties":{}}`),
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			active := map[string]bool{}
			for _, name := range deps.SkillState.ActiveSkills() {
				active[name] = true
			}
			var b strings.Builder
			for _, name := range deps.Skills.Names() {
				s, _ := deps.Skills.Get(name)
				state := "inactive"
				if active[name] {
					state = "active"
				}
				fmt.Fprintf(&b, "- %s (%s): %s\n", s.Name, state, s.Description)
			}
			if b.Len() == 0 {
				return "No skills are available.", nil
			}
			return strings.TrimRight(b.String(), "\n"), nil
		},
	})

	add(Tool{
		Name:        "activate_skill",
		Description: "Activate a skill so its instructions take effect for this session.",
		Parameters:  []byte(`{"type":"object","properties":{"name":{"type":"string","description":"The skill name from list_skills"}},"required":["name"]}`),
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			name, err := stringArg(args, "name")
			if err != nil {
				return "", err
			}
			if err := deps.SkillState.ActivateSkill(name); err != nil {
				return "", err
			}
			return fmt.Sprintf("Skill %q is now active.", name), nil
		},
	})

	add(Tool{
		Name:        "deactivate_skill",
		Description: "Deactivate a previously activated skill.",
		Parameters:  []byte(`{"type":"object","properties":{"name":{"type":"string","description":"The skill name to deactivate"}},"required":["name"]}`),
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			name, err := stringArg(args, "name")
			if err != nil {
				return "", err
			}
			if err := deps.SkillState.DeactivateSkill(name); err != nil {
				return "", err
			}
			return fmt.Sprintf("Skill %q is now inactive.", name), nil
		},
	})
}

func registerIdentityTools(add func(Tool), deps Deps) {
	add(Tool{
		Name:        "recall_memory",
		Description: "Read the memory log of past conversations, most recent entries last.",
		Parameters:  []byte(`{"type":"object","properties":{"query":{"type":"string","description":"Optional text to filter entries by"}},"required":[]}`),
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			maxChars := deps.MemoryMaxChars
			if maxChars <= 0 {
				maxChars = 4000
			}
			query := optionalStringArg(args, "query", "")
			if query == "" {
				tail, err := deps.Identity.MemoryTail(maxChars)
				if err != nil {
					return "", err
				}
				if tail == "" {
					return "The memory log is empty.", nil
				}
				return tail, nil
			}

			content, err := deps.Identity.Read(identity.MemoryFile)
			if err != nil {
				return "", err
			}
			var matched []string
			for _, entry := range strings.Split(content, "\n## ") {
				if strings.Contains(strings.ToLower(entry), strings.ToLower(query)) {
					matched = append(matched, "## "+strings.TrimSpace(entry))
				}
			}
			if len(matched) == 0 {
				return fmt.Sprintf("No memory entries match %q.", query), nil
			}
			out := strings.Join(matched, "\n\n")
			if len(out) > maxChars {
				out = out[len(out)-maxChars:]
			}
			return out, nil
		},
	})

	add(Tool{
		Name:        "update_user_profile",
		Description: "Replace the stored user profile with updated information about the user.",
		Parameters:  []byte(`{"type":"object","properties":{"content":{"type":"string","description":"The full new profile text in markdown"}},"required":["content"]}`),
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			content, err := stringArg(args, "content")
			if err != nil {
				return "", err
			}
			if err := deps.Identity.Write(identity.UserFile, content); err != nil {
				return "", err
			}
			return "User profile updated.", nil
		},
	})

	add(Tool{
		Name:        "save_note",
		Description: "Append a note to the memory log so it persists across sessions.",
		Parameters:  []byte(`{"type":"object","properties":{"note":{"type":"string","description":"The note to remember"}},"required":["note"]}`),
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			note, err := stringArg(args, "note")
			if err != nil {
				return "", err
			}
			if err := deps.Identity.AppendMemory(note); err != nil {
				return "", err
			}
			return "Note saved.", nil
		},
	})
}
