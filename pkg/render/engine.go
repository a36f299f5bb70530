package render

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
)

// CommandEngine converts HTML to PDF by piping it through an external
// converter binary (wkhtmltopdf, weasyprint, chromium --print-to-pdf and
// friends). The command must read HTML on stdin and write the PDF to
// stdout.
type CommandEngine struct {
	Path string
	Args []string
}

// Convert runs the converter under the caller's context.
func (e *CommandEngine) Convert(ctx context.Context, html []byte) ([]byte, error) {
	if e.Path == "" {
		return nil, fmt.Errorf("render engine command is not configured")
	}

	cmd := exec.CommandContext(ctx, e.Path, e.Args...)
	cmd.Stdin = bytes.NewReader(html)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("render command %s failed: %w (stderr: %.500s)",
			e.Path, err, stderr.String())
	}
	return stdout.Bytes(), nil
}
