package search

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Mode selects how much work a job does per discovered company.
type Mode string

const (
	// ModeQuick counts companies only.
	ModeQuick Mode = "quick"
	// ModeDetailed also runs every person search against every company.
	ModeDetailed Mode = "detailed"
)

var (
	// ErrInvalidSubmission wraps every structural or schema violation.
	ErrInvalidSubmission = errors.New("invalid submission")
)

// Submission is what a caller hands to the engine: one optional company
// search, person searches applied per company, and optional explicit
// company websites to run the person searches against.
type Submission struct {
	Name          string       `json:"name"`
	Mode          Mode         `json:"mode,omitempty"`
	Company       *Definition  `json:"company,omitempty"`
	People        []Definition `json:"people,omitempty"`
	Targets       []string     `json:"targets,omitempty"`
	ReuseExisting bool         `json:"reuse_existing,omitempty"`
}

// RunsPeople reports whether person searches will be executed.
func (s Submission) RunsPeople() bool {
	return s.Mode != ModeQuick && len(s.People) > 0
}

// Validate checks the invariants the schema cannot express.
func (s Submission) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidSubmission)
	}
	switch s.Mode {
	case ModeQuick, ModeDetailed:
	default:
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidSubmission, s.Mode)
	}
	if s.Company == nil && len(s.Targets) == 0 {
		return fmt.Errorf("%w: a company search or at least one target is required", ErrInvalidSubmission)
	}
	if s.Company != nil && s.Company.Kind != KindCompany {
		return fmt.Errorf("%w: company search has kind %q", ErrInvalidSubmission, s.Company.Kind)
	}

	seen := make(map[string]bool, len(s.People))
	for i, p := range s.People {
		if p.Kind != KindPerson {
			return fmt.Errorf("%w: people[%d] has kind %q", ErrInvalidSubmission, i, p.Kind)
		}
		if strings.TrimSpace(p.Name) == "" {
			return fmt.Errorf("%w: people[%d] needs a name", ErrInvalidSubmission, i)
		}
		if seen[p.Name] {
			return fmt.Errorf("%w: duplicate person search name %q", ErrInvalidSubmission, p.Name)
		}
		seen[p.Name] = true
	}
	return nil
}

// ParseSubmission validates raw JSON against the submission schema and
// decodes it. Missing kinds and mode are filled in.
func ParseSubmission(data []byte) (Submission, error) {
	if err := validateSchema(data); err != nil {
		return Submission{}, err
	}

	var s Submission
	if err := json.Unmarshal(data, &s); err != nil {
		return Submission{}, fmt.Errorf("%w: %v", ErrInvalidSubmission, err)
	}
	if s.Mode == "" {
		s.Mode = ModeDetailed
	}
	if s.Company != nil && s.Company.Kind == "" {
		s.Company.Kind = KindCompany
	}
	for i := range s.People {
		if s.People[i].Kind == "" {
			s.People[i].Kind = KindPerson
		}
	}

	if err := s.Validate(); err != nil {
		return Submission{}, err
	}
	return s, nil
}

// Fingerprint identifies a submission by what it would query, so that
// identical searches can be detected. The job name is ignored and person
// searches are ordered by name.
func Fingerprint(s Submission) string {
	type person struct {
		Name    string  `json:"name"`
		Filters Filters `json:"filters"`
	}
	canonical := struct {
		Company Filters  `json:"company"`
		People  []person `json:"people"`
		Targets []string `json:"targets"`
		Mode    Mode     `json:"mode"`
	}{Mode: s.Mode}

	if s.Company != nil {
		canonical.Company = s.Company.Filters
	}
	for _, p := range s.People {
		canonical.People = append(canonical.People, person{Name: p.Name, Filters: p.Filters})
	}
	sort.Slice(canonical.People, func(i, j int) bool {
		return canonical.People[i].Name < canonical.People[j].Name
	})
	canonical.Targets = append([]string(nil), s.Targets...)
	sort.Strings(canonical.Targets)

	b, err := json.Marshal(canonical)
	if err != nil {
		// Filters only hold encodable variants.
		panic(fmt.Sprintf("fingerprint: %v", err))
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])[:32]
}

// ============================================================================
// Schema validation
// ============================================================================

const submissionSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["name"],
  "additionalProperties": false,
  "properties": {
    "name": {"type": "string", "minLength": 1, "maxLength": 200},
    "mode": {"enum": ["quick", "detailed"]},
    "company": {"$ref": "#/definitions/search"},
    "people": {
      "type": "array",
      "maxItems": 50,
      "items": {
        "allOf": [
          {"$ref": "#/definitions/search"},
          {"required": ["name"]}
        ]
      }
    },
    "targets": {
      "type": "array",
      "maxItems": 100000,
      "items": {"type": "string", "minLength": 1}
    },
    "reuse_existing": {"type": "boolean"}
  },
  "anyOf": [
    {"required": ["company"]},
    {"required": ["targets"], "properties": {"targets": {"minItems": 1}}}
  ],
  "definitions": {
    "search": {
      "type": "object",
      "required": ["filters"],
      "additionalProperties": false,
      "properties": {
        "kind": {"enum": ["company", "person"]},
        "name": {"type": "string", "minLength": 1},
        "filters": {"type": "object"}
      }
    }
  }
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func loadSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("submission.json", strings.NewReader(submissionSchema)); err != nil {
			schemaErr = fmt.Errorf("add schema: %w", err)
			return
		}
		compiledSchema, schemaErr = compiler.Compile("submission.json")
	})
	return compiledSchema, schemaErr
}

func validateSchema(data []byte) error {
	schema, err := loadSchema()
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSubmission, err)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSubmission, err)
	}
	return nil
}
