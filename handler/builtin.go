package handler

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// EchoHandler returns the payload unchanged. Useful for smoke tests and
// queue drain checks.
type EchoHandler struct{}

func (EchoHandler) Handle(ctx *Context) (string, error) {
	var payload interface{}
	if err := json.Unmarshal([]byte(ctx.Task.Payload), &payload); err != nil {
		return "", NewPermanent("invalid_payload", "payload is not valid JSON")
	}
	out, err := json.Marshal(map[string]interface{}{
		"echo":      payload,
		"worker_id": ctx.WorkerID,
	})
	if err != nil {
		return "", NewInternal("encode echo result", err)
	}
	return string(out), nil
}

type summarizePayload struct {
	Text     string `json:"text"`
	Model    string `json:"model"`
	MaxWords int    `json:"max_words"`
}

// SummarizeHandler asks the provider for a short summary of the payload
// text.
type SummarizeHandler struct {
	Model string // default model when the payload names none
}

func (h SummarizeHandler) Handle(ctx *Context) (string, error) {
	var p summarizePayload
	if err := json.Unmarshal([]byte(ctx.Task.Payload), &p); err != nil {
		return "", NewPermanent("invalid_payload", "payload is not valid JSON")
	}
	if strings.TrimSpace(p.Text) == "" {
		return "", NewPermanent("invalid_payload", "text is required")
	}
	model := p.Model
	if model == "" {
		model = h.Model
	}
	if model == "" {
		model = "openrouter/auto"
	}
	maxWords := p.MaxWords
	if maxWords <= 0 {
		maxWords = 150
	}

	prompt := fmt.Sprintf("Summarize the following text in at most %d words:\n\n%s", maxWords, p.Text)
	resp, err := ctx.CallProvider(ProviderRequest{Model: model, Prompt: prompt})
	if err != nil {
		return "", err
	}

	out, err := json.Marshal(map[string]string{
		"summary": resp.Content,
		"model":   model,
	})
	if err != nil {
		return "", NewInternal("encode summarize result", err)
	}
	return string(out), nil
}

type pdfPayload struct {
	Path      string `json:"path"`
	Summarize bool   `json:"summarize"`
	Model     string `json:"model"`
	MaxWords  int    `json:"max_words"`
}

// PDFExtractHandler shells out to pdftotext for local PDF files. With
// summarize set in the payload the extracted text is sent through the
// provider summarize prompt instead of being returned raw.
type PDFExtractHandler struct {
	Binary string // defaults to pdftotext
	Model  string // default model for the summarize step
}

func (h PDFExtractHandler) binary() string {
	if h.Binary != "" {
		return h.Binary
	}
	return "pdftotext"
}

func (h PDFExtractHandler) CheckDependencies() error {
	if _, err := exec.LookPath(h.binary()); err != nil {
		return NewPermanent("missing_dependency", h.binary()+" not found in PATH")
	}
	return nil
}

func (h PDFExtractHandler) Handle(ctx *Context) (string, error) {
	var p pdfPayload
	if err := json.Unmarshal([]byte(ctx.Task.Payload), &p); err != nil {
		return "", NewPermanent("invalid_payload", "payload is not valid JSON")
	}
	if p.Path == "" {
		return "", NewPermanent("invalid_payload", "path is required")
	}
	if err := h.CheckDependencies(); err != nil {
		return "", err
	}
	if _, err := os.Stat(p.Path); err != nil {
		return "", NewPermanent("invalid_payload", fmt.Sprintf("cannot read %s: %v", p.Path, err))
	}

	cmd := exec.CommandContext(ctx, h.binary(), p.Path, "-")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", NewTransient(ClassTimeout, "pdf extraction cancelled by deadline")
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", NewPermanent("extract_failed", msg)
	}

	text := stdout.String()
	if !p.Summarize {
		out, err := json.Marshal(map[string]interface{}{
			"text":  text,
			"chars": len(text),
		})
		if err != nil {
			return "", NewInternal("encode pdf result", err)
		}
		return string(out), nil
	}

	model := p.Model
	if model == "" {
		model = h.Model
	}
	if model == "" {
		model = "openrouter/auto"
	}
	maxWords := p.MaxWords
	if maxWords <= 0 {
		maxWords = 150
	}
	prompt := fmt.Sprintf("Summarize the following text in at most %d words:\n\n%s", maxWords, text)
	resp, err := ctx.CallProvider(ProviderRequest{Model: model, Prompt: prompt})
	if err != nil {
		return "", err
	}
	out, err := json.Marshal(map[string]interface{}{
		"summary": resp.Content,
		"model":   model,
		"chars":   len(text),
	})
	if err != nil {
		return "", NewInternal("encode pdf result", err)
	}
	return string(out), nil
}
