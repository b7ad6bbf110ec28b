// Package agent renders the system instruction that shapes the voice agent:
// its persona, conversation flow, and the knowledge base it may answer from.
//
// The default knowledge base describes Innovate Inc. and is compiled into the
// binary. Deployments replace it with a markdown file of their own.
package agent

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/template"

	"github.com/MrWong99/leadline/internal/crm"
)

// DefaultCompany is the company the embedded knowledge base describes.
const DefaultCompany = "Innovate Inc."

//go:embed knowledge.md
var defaultKnowledge string

//go:embed instruction.tmpl
var instructionText string

var instructionTmpl = template.Must(template.New("instruction").Option("missingkey=error").Parse(instructionText))

// Persona is everything that varies between deployments of the agent.
type Persona struct {
	// Company is the name the agent introduces itself on behalf of.
	Company string

	// Knowledge is the markdown knowledge base. It is the only source of
	// facts the agent is allowed to use.
	Knowledge string
}

// Default returns the built-in Innovate Inc. persona.
func Default() Persona {
	return Persona{Company: DefaultCompany, Knowledge: defaultKnowledge}
}

// Load builds a Persona for company. When knowledgeFile is non-empty its
// contents replace the embedded knowledge base. An empty company selects
// [DefaultCompany].
func Load(company, knowledgeFile string) (Persona, error) {
	p := Default()
	if company != "" {
		p.Company = company
	}
	if knowledgeFile == "" {
		return p, nil
	}
	data, err := os.ReadFile(knowledgeFile)
	if err != nil {
		return Persona{}, fmt.Errorf("agent: read knowledge base: %w", err)
	}
	p.Knowledge = string(data)
	if err := p.Validate(); err != nil {
		return Persona{}, err
	}
	return p, nil
}

// Validate reports whether p can be rendered.
func (p Persona) Validate() error {
	var errs []error
	if strings.TrimSpace(p.Company) == "" {
		errs = append(errs, errors.New("agent: company is required"))
	}
	if strings.TrimSpace(p.Knowledge) == "" {
		errs = append(errs, errors.New("agent: knowledge base is empty"))
	}
	return errors.Join(errs...)
}

// Instructions renders the system instruction for p.
func (p Persona) Instructions() (string, error) {
	if err := p.Validate(); err != nil {
		return "", err
	}
	var sb strings.Builder
	err := instructionTmpl.Execute(&sb, struct {
		Company   string
		Knowledge string
		Tool      string
	}{
		Company:   p.Company,
		Knowledge: strings.TrimSpace(p.Knowledge),
		Tool:      crm.FunctionName,
	})
	if err != nil {
		return "", fmt.Errorf("agent: render instructions: %w", err)
	}
	return sb.String(), nil
}
