package utils

import (
	"bytes"
	htmltemplate "html/template"
	"log"
	texttemplate "text/template"

	"creatorflow/models"
)

// RenderContext is the data available to step templates.
type RenderContext struct {
	CreatorName  string
	CreatorEmail string
	BrandName    string
	Handle       string
}

// RenderedContent is what the dispatcher hands the mail sender.
type RenderedContent struct {
	Subject string
	HTML    string
	Text    string
}

// ContentGenerator renders a step's templates against creator/brand context.
// Failures must degrade to the unrendered template text rather than blocking
// dispatch, so implementations return best-effort content alongside the error.
type ContentGenerator interface {
	Render(step *models.SequenceStep, ctx RenderContext) (RenderedContent, error)
}

// TemplateRenderer is the default generator, backed by Go templates.
type TemplateRenderer struct {
	Logger *log.Logger
}

func NewTemplateRenderer(logger *log.Logger) *TemplateRenderer {
	return &TemplateRenderer{Logger: logger}
}

func (tr *TemplateRenderer) Render(step *models.SequenceStep, ctx RenderContext) (RenderedContent, error) {
	out := RenderedContent{
		Subject: step.Subject,
		HTML:    step.HTMLContent,
		Text:    step.TextContent,
	}

	var firstErr error

	if rendered, err := renderText(step.Subject, ctx); err == nil {
		out.Subject = rendered
	} else {
		firstErr = err
	}
	if rendered, err := renderHTML(step.HTMLContent, ctx); err == nil {
		out.HTML = rendered
	} else if firstErr == nil {
		firstErr = err
	}
	if rendered, err := renderText(step.TextContent, ctx); err == nil {
		out.Text = rendered
	} else if firstErr == nil {
		firstErr = err
	}

	if firstErr != nil && tr.Logger != nil {
		tr.Logger.Printf("Template render failed for step %d, falling back to raw content: %v", step.ID, firstErr)
	}
	return out, firstErr
}

func renderText(tmpl string, ctx RenderContext) (string, error) {
	t, err := texttemplate.New("step").Parse(tmpl)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, ctx); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func renderHTML(tmpl string, ctx RenderContext) (string, error) {
	t, err := htmltemplate.New("step").Parse(tmpl)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, ctx); err != nil {
		return "", err
	}
	return buf.String(), nil
}
