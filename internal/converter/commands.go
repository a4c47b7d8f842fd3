package converter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"docqc/internal/services"
)

var commandContext = exec.CommandContext

// Expand substitutes placeholders in an argv template. {inputs} expands to
// one argument per input; the other placeholders may appear inside arguments.
func Expand(template []string, inputs []string, output string) ([]string, error) {
	if len(template) == 0 {
		return nil, errors.New("empty command template")
	}
	input := ""
	if len(inputs) > 0 {
		input = inputs[0]
	}
	replacer := strings.NewReplacer(
		"{input}", input,
		"{output}", output,
		"{outdir}", filepath.Dir(output),
	)
	args := make([]string, 0, len(template)+len(inputs))
	for _, arg := range template {
		if arg == "{inputs}" {
			args = append(args, inputs...)
			continue
		}
		args = append(args, replacer.Replace(arg))
	}
	return args, nil
}

// Runner executes expanded command templates with a timeout.
type Runner struct {
	Timeout time.Duration
}

// Run executes argv and verifies output exists and is non-empty.
func (r Runner) Run(ctx context.Context, stage string, template []string, inputs []string, output string) error {
	argv, err := Expand(template, inputs, output)
	if err != nil {
		return services.Wrap(services.ErrConfiguration, stage, "expand command", "", err)
	}
	if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
		return services.Wrap(services.ErrExternalTool, stage, "ensure output dir", "", err)
	}

	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}
	cmd := commandContext(ctx, argv[0], argv[1:]...) //nolint:gosec
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return services.Wrap(services.ErrTimeout, stage, argv[0], fmt.Sprintf("exceeded %s", r.Timeout), err)
		}
		return services.Wrap(services.ErrExternalTool, stage, argv[0], tail(stderr.String()), err)
	}

	info, err := os.Stat(output)
	if err != nil {
		return services.Wrap(services.ErrExternalTool, stage, argv[0], "no output produced", err)
	}
	if info.Size() == 0 {
		return services.Wrap(services.ErrExternalTool, stage, argv[0], "output is empty", nil)
	}
	return nil
}

func tail(text string) string {
	text = strings.TrimSpace(text)
	const limit = 400
	if len(text) > limit {
		return "..." + text[len(text)-limit:]
	}
	return text
}
