package plugins

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
)

// CommandSpec parameterises a subprocess-backed quality gate: the program,
// its fixed arguments, and which parts of the invocation the user config
// may extend.
type CommandSpec struct {
	Meta         Metadata
	Program      string
	BaseArgs     []string
	DefaultPaths []string
	CheckFlag    string // appended unless config sets check=false
}

// CommandPlugin runs one external tool and maps its exit code into a
// Result. All built-in gates are instances of this type.
type CommandPlugin struct {
	spec CommandSpec
}

// NewCommandPlugin creates a subprocess-backed plugin from its spec.
func NewCommandPlugin(spec CommandSpec) *CommandPlugin {
	return &CommandPlugin{spec: spec}
}

// Metadata implements Plugin.
func (p *CommandPlugin) Metadata() Metadata { return p.spec.Meta }

// ValidateConfig implements Plugin.
func (p *CommandPlugin) ValidateConfig(config map[string]any) error {
	if raw, ok := config["paths"]; ok {
		if _, err := stringSlice(raw); err != nil {
			return fmt.Errorf("'paths' must be a list of strings")
		}
	}
	if raw, ok := config["args"]; ok {
		if _, err := stringSlice(raw); err != nil {
			return fmt.Errorf("'args' must be a list of strings")
		}
	}
	if raw, ok := config["check"]; ok {
		if _, isBool := raw.(bool); !isBool {
			return fmt.Errorf("'check' must be a boolean")
		}
	}
	return nil
}

// Run implements Plugin.
func (p *CommandPlugin) Run(ctx context.Context, config map[string]any) Result {
	paths := p.spec.DefaultPaths
	if raw, ok := config["paths"]; ok {
		if parsed, err := stringSlice(raw); err == nil {
			paths = parsed
		}
	}
	var extraArgs []string
	if raw, ok := config["args"]; ok {
		if parsed, err := stringSlice(raw); err == nil {
			extraArgs = parsed
		}
	}

	args := append([]string{}, p.spec.BaseArgs...)
	if p.spec.CheckFlag != "" {
		check := true
		if value, ok := config["check"].(bool); ok {
			check = value
		}
		if check {
			args = append(args, p.spec.CheckFlag)
		}
	}
	args = append(args, extraArgs...)
	args = append(args, paths...)

	cmd := exec.CommandContext(ctx, p.spec.Program, args...)
	output, err := cmd.CombinedOutput()

	if err != nil && errors.Is(err, exec.ErrNotFound) {
		return Result{
			Success:  false,
			Message:  fmt.Sprintf("%s not installed", p.spec.Program),
			Details:  map[string]any{"error": fmt.Sprintf("%s command not found", p.spec.Program)},
			ExitCode: 127,
		}
	}

	exitCode := 0
	if err != nil {
		exitCode = 1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
	}

	verdict := "passed"
	if exitCode != 0 {
		verdict = "failed"
	}
	return Result{
		Success:  exitCode == 0,
		Message:  fmt.Sprintf("%s: %s", p.spec.Meta.Name, verdict),
		Details:  map[string]any{"output": string(output), "returncode": exitCode},
		ExitCode: exitCode,
	}
}

func stringSlice(raw any) ([]string, error) {
	switch values := raw.(type) {
	case []string:
		return values, nil
	case []any:
		out := make([]string, 0, len(values))
		for _, value := range values {
			str, ok := value.(string)
			if !ok {
				return nil, fmt.Errorf("expected string element, got %T", value)
			}
			out = append(out, str)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected list, got %T", raw)
	}
}

// BuiltinSpecs defines the built-in quality gates in execution order.
func BuiltinSpecs() []CommandSpec {
	return []CommandSpec{
		{
			Meta: Metadata{
				Name:        "ruff-check",
				Version:     "1.0.0",
				Description: "Ruff linting for Python code",
				Author:      "Hephaestus Team",
				Category:    "linting",
				Requires:    []string{"ruff>=0.8.0"},
				Order:       10,
			},
			Program:      "ruff",
			BaseArgs:     []string{"check"},
			DefaultPaths: []string{"."},
		},
		{
			Meta: Metadata{
				Name:        "ruff-format",
				Version:     "1.0.0",
				Description: "Ruff code formatting check",
				Author:      "Hephaestus Team",
				Category:    "formatting",
				Requires:    []string{"ruff>=0.8.0"},
				Order:       20,
			},
			Program:      "ruff",
			BaseArgs:     []string{"format"},
			DefaultPaths: []string{"."},
			CheckFlag:    "--check",
		},
		{
			Meta: Metadata{
				Name:        "mypy",
				Version:     "1.0.0",
				Description: "Static type checking with Mypy",
				Author:      "Hephaestus Team",
				Category:    "type-checking",
				Requires:    []string{"mypy>=1.14.0"},
				Order:       30,
			},
			Program:      "mypy",
			DefaultPaths: []string{"src", "tests"},
		},
		{
			Meta: Metadata{
				Name:        "pytest",
				Version:     "1.0.0",
				Description: "Test execution with pytest",
				Author:      "Hephaestus Team",
				Category:    "testing",
				Requires:    []string{"pytest>=8.0.0", "pytest-cov>=7.0.0"},
				Order:       40,
			},
			Program:      "pytest",
			DefaultPaths: []string{"tests"},
		},
		{
			Meta: Metadata{
				Name:        "pip-audit",
				Version:     "1.0.0",
				Description: "Security audit of Python dependencies",
				Author:      "Hephaestus Team",
				Category:    "security",
				Requires:    []string{"pip-audit>=2.9.0"},
				Order:       50,
			},
			Program: "pip-audit",
		},
	}
}
