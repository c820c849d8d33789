// Package schema imports jobs, forms, applications and schema versions
// from YAML authoring documents.
package schema

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var validate *validator.Validate

func init() {
	validate = validator.New()
	_ = validate.RegisterValidation("nonempty", func(fl validator.FieldLevel) bool {
		return strings.TrimSpace(fl.Field().String()) != ""
	})
}

// Document is one authoring file. Every section is optional.
type Document struct {
	Jobs         []Job         `yaml:"jobs" validate:"dive"`
	Applications []Application `yaml:"applications" validate:"dive"`
	Forms        []Form        `yaml:"forms" validate:"dive"`
	Schemas      []Schema      `yaml:"schemas" validate:"dive"`
}

type Job struct {
	ID          string `yaml:"id"`
	Title       string `yaml:"title" validate:"required,nonempty,max=200"`
	Description string `yaml:"description"`
}

type Application struct {
	ID            string `yaml:"id"`
	JobID         string `yaml:"jobId" validate:"required"`
	CandidateName string `yaml:"candidateName" validate:"required,nonempty"`
	Email         string `yaml:"email" validate:"omitempty,email"`
}

type Form struct {
	ID          string `yaml:"id"`
	Title       string `yaml:"title" validate:"required,nonempty,max=200"`
	Description string `yaml:"description"`
	SoftCap     *int   `yaml:"softCap" validate:"omitempty,min=1"`
	HardCap     *int   `yaml:"hardCap" validate:"omitempty,min=1"`
}

// Schema is a schema version with its fields.
type Schema struct {
	ID    string `yaml:"id"`
	Owner Owner  `yaml:"owner"`
	// Approve freezes the version after import.
	Approve bool    `yaml:"approve"`
	Fields  []Field `yaml:"fields" validate:"required,min=1,dive"`
}

type Owner struct {
	Kind string `yaml:"kind" validate:"required,oneof=job form"`
	ID   string `yaml:"id" validate:"required"`
}

type Field struct {
	ID               string   `yaml:"id"`
	Label            string   `yaml:"label" validate:"required,nonempty,max=200"`
	Intent           string   `yaml:"intent"`
	Required         bool     `yaml:"required"`
	Facts            []Fact   `yaml:"facts" validate:"required,min=1,dive"`
	ProhibitedTopics []string `yaml:"prohibitedTopics" validate:"dive,nonempty"`
}

type Fact struct {
	ID               string `yaml:"id"`
	Fact             string `yaml:"fact" validate:"required,nonempty"`
	DoneCriteria     string `yaml:"doneCriteria"`
	QuestioningHints string `yaml:"questioningHints"`
}

// Parse decodes and validates a document. Unknown keys are rejected.
func Parse(r io.Reader) (*Document, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var doc Document
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("document is empty")
		}
		return nil, fmt.Errorf("parsing document: %w", err)
	}
	if err := Validate(&doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Validate checks field rules and the references between entries.
func Validate(doc *Document) error {
	var issues []string
	if err := validate.Struct(doc); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		for _, e := range verrs {
			issues = append(issues, fmt.Sprintf("%s: failed rule '%s'", strings.TrimPrefix(e.Namespace(), "Document."), e.Tag()))
		}
	}

	for i, f := range doc.Forms {
		if f.SoftCap != nil && f.HardCap != nil && *f.HardCap < *f.SoftCap {
			issues = append(issues, fmt.Sprintf("Forms[%d].HardCap: must not be below softCap", i))
		}
	}

	ids := make(map[string]string)
	claim := func(path, id string) {
		if id == "" {
			return
		}
		if prev, ok := ids[id]; ok {
			issues = append(issues, fmt.Sprintf("%s: id %q already used by %s", path, id, prev))
			return
		}
		ids[id] = path
	}
	for i, j := range doc.Jobs {
		claim(fmt.Sprintf("Jobs[%d]", i), j.ID)
	}
	for i, a := range doc.Applications {
		claim(fmt.Sprintf("Applications[%d]", i), a.ID)
	}
	for i, f := range doc.Forms {
		claim(fmt.Sprintf("Forms[%d]", i), f.ID)
	}
	for i, s := range doc.Schemas {
		claim(fmt.Sprintf("Schemas[%d]", i), s.ID)
		for j, f := range s.Fields {
			claim(fmt.Sprintf("Schemas[%d].Fields[%d]", i, j), f.ID)
			for k, fact := range f.Facts {
				claim(fmt.Sprintf("Schemas[%d].Fields[%d].Facts[%d]", i, j, k), fact.ID)
			}
		}
	}

	if len(issues) > 0 {
		return &ValidationError{Issues: issues}
	}
	return nil
}

// ValidationError lists every problem found in a document.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	return "invalid document: " + strings.Join(e.Issues, "; ")
}
