package render

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"time"

	"github.com/tms-tools/ticket-archiver/pkg/retry"
	"github.com/tms-tools/ticket-archiver/pkg/snapshot"
)

// Template variants.
const (
	VariantDefault = "default"
	VariantMinimal = "minimal"
)

// Renderer turns a snapshot into PDF bytes.
type Renderer interface {
	Render(ctx context.Context, snap *snapshot.Snapshot) ([]byte, error)
}

// Engine converts a rendered HTML document into PDF bytes. The concrete
// conversion tool is deployment-specific; this package only owns the
// HTML composition.
type Engine interface {
	Convert(ctx context.Context, html []byte) ([]byte, error)
}

// HTMLRenderer composes the snapshot into a print-oriented HTML document
// and hands it to an Engine.
type HTMLRenderer struct {
	tmpl   *template.Template
	engine Engine
}

var templateFuncs = template.FuncMap{
	"stamp": func(t time.Time) string {
		if t.IsZero() {
			return ""
		}
		return t.UTC().Format("2006-01-02 15:04 UTC")
	},
	"stampPtr": func(t *time.Time) string {
		if t == nil {
			return ""
		}
		return t.UTC().Format("2006-01-02 15:04 UTC")
	},
	// bodies are pre-sanitised by the snapshot builder
	"safeHTML": func(s string) template.HTML { return template.HTML(s) },
}

// NewHTMLRenderer builds a renderer for the given template variant.
func NewHTMLRenderer(variant string, engine Engine) (*HTMLRenderer, error) {
	if engine == nil {
		return nil, fmt.Errorf("render engine must not be nil")
	}
	src, ok := variants[variant]
	if !ok {
		return nil, fmt.Errorf("unknown template variant %q", variant)
	}
	tmpl, err := template.New(variant).Funcs(templateFuncs).Parse(src)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s template: %w", variant, err)
	}
	return &HTMLRenderer{tmpl: tmpl, engine: engine}, nil
}

// Render produces the PDF for a snapshot.
func (r *HTMLRenderer) Render(ctx context.Context, snap *snapshot.Snapshot) ([]byte, error) {
	if snap == nil {
		return nil, retry.NewPermanent(retry.CodeRender, fmt.Errorf("snapshot is nil"))
	}

	var buf bytes.Buffer
	if err := r.tmpl.Execute(&buf, snap); err != nil {
		return nil, retry.NewPermanent(retry.CodeRender,
			fmt.Errorf("failed to compose ticket HTML: %w", err))
	}

	pdf, err := r.engine.Convert(ctx, buf.Bytes())
	if err != nil {
		return nil, classifyEngineError(err)
	}
	if len(pdf) == 0 {
		return nil, retry.NewPermanent(retry.CodeRender,
			fmt.Errorf("render engine produced an empty document"))
	}
	return pdf, nil
}

func classifyEngineError(err error) error {
	var failure *retry.Failure
	if errors.As(err, &failure) {
		return failure
	}
	if retry.IsCancelled(err) {
		return err
	}
	if retry.IsTransient(err) {
		return retry.NewTransient(retry.CodeRender, err)
	}
	return retry.NewPermanent(retry.CodeRender, err)
}
