package stage

import (
	"bytes"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"text/template"
)

const (
	SummaryPromptVersion = "meeting_summary_v1"
	summaryPromptFile    = SummaryPromptVersion + ".tmpl"

	instructionsRU = "Ты помощник, делающий структурированные резюме встреч. Отвечай кратко и по делу. Верни строго JSON без лишнего текста и без markdown."
	instructionsEN = "You write structured meeting summaries. Be brief and factual. Return only valid JSON, no markdown code fences."
)

//go:embed prompts/*.tmpl
var builtinPrompts embed.FS

type promptData struct {
	Language   string
	Russian    bool
	Transcript string
}

// PromptRenderer renders summary prompts. Templates in dir override the
// built-in ones with the same file name.
type PromptRenderer struct {
	dir string

	mu        sync.RWMutex
	templates map[string]*template.Template
}

func NewPromptRenderer(dir string) *PromptRenderer {
	return &PromptRenderer{
		dir:       strings.TrimSpace(dir),
		templates: make(map[string]*template.Template),
	}
}

// RenderSummary returns the system instructions and the user prompt.
func (r *PromptRenderer) RenderSummary(language, transcript string) (string, string, error) {
	tmpl, err := r.load(summaryPromptFile)
	if err != nil {
		return "", "", err
	}
	russian := strings.HasPrefix(strings.ToLower(strings.TrimSpace(language)), "ru")

	buffer := bytes.NewBuffer(nil)
	if err := tmpl.Execute(buffer, promptData{Language: language, Russian: russian, Transcript: transcript}); err != nil {
		return "", "", fmt.Errorf("execute template %s: %w", summaryPromptFile, err)
	}

	instructions := instructionsEN
	if russian {
		instructions = instructionsRU
	}
	return instructions, buffer.String(), nil
}

func (r *PromptRenderer) load(fileName string) (*template.Template, error) {
	r.mu.RLock()
	if tmpl, ok := r.templates[fileName]; ok {
		r.mu.RUnlock()
		return tmpl, nil
	}
	r.mu.RUnlock()

	content, err := r.read(fileName)
	if err != nil {
		return nil, err
	}
	tmpl, err := template.New(fileName).Parse(string(content))
	if err != nil {
		return nil, fmt.Errorf("parse prompt template %s: %w", fileName, err)
	}

	r.mu.Lock()
	r.templates[fileName] = tmpl
	r.mu.Unlock()
	return tmpl, nil
}

func (r *PromptRenderer) read(fileName string) ([]byte, error) {
	if r.dir != "" {
		content, err := os.ReadFile(filepath.Join(r.dir, fileName))
		if err == nil {
			return content, nil
		}
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read prompt template %s: %w", fileName, err)
		}
	}
	content, err := builtinPrompts.ReadFile("prompts/" + fileName)
	if err != nil {
		return nil, fmt.Errorf("read built-in prompt %s: %w", fileName, err)
	}
	return content, nil
}
