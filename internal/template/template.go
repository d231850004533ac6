package template

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Template models the singleton checklist template: ordered stages, each
// holding checklist groups with their questions and sections. Projects copy
// this structure when their phases start; the template itself is read-only
// from the engine's perspective.
type Template struct {
	Name             string     `yaml:"name" json:"name"`
	DefectCategories []Category `yaml:"defect_categories" json:"defect_categories"`
	Stages           []Stage    `yaml:"stages" json:"stages"`
}

type Category struct {
	ID    string `yaml:"id" json:"id"`
	Name  string `yaml:"name" json:"name"`
	Color string `yaml:"color" json:"color"`
}

type Stage struct {
	Number int     `yaml:"number" json:"number"`
	Name   string  `yaml:"name" json:"name"`
	Groups []Group `yaml:"groups" json:"groups"`
}

type Group struct {
	Name      string     `yaml:"name" json:"name"`
	Questions []Question `yaml:"questions" json:"questions"`
	Sections  []Section  `yaml:"sections" json:"sections"`
}

type Section struct {
	Name      string     `yaml:"name" json:"name"`
	Questions []Question `yaml:"questions" json:"questions"`
}

type Question struct {
	Text       string `yaml:"text" json:"text"`
	CategoryID string `yaml:"category_id" json:"category_id"`
}

// Validate ensures the template meets required structure.
func (t *Template) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("template.name is required")
	}
	if len(t.Stages) == 0 {
		return fmt.Errorf("template.stages must not be empty")
	}
	categories := map[string]bool{}
	for _, c := range t.DefectCategories {
		if c.ID == "" {
			return fmt.Errorf("defect category %q has empty id", c.Name)
		}
		if categories[c.ID] {
			return fmt.Errorf("duplicate defect category id %s", c.ID)
		}
		categories[c.ID] = true
	}
	seen := map[int]bool{}
	for _, s := range t.Stages {
		if s.Number < 1 {
			return fmt.Errorf("stage %q has invalid number %d", s.Name, s.Number)
		}
		if seen[s.Number] {
			return fmt.Errorf("duplicate stage number %d", s.Number)
		}
		seen[s.Number] = true
		if s.Name == "" {
			return fmt.Errorf("stage %d has empty name", s.Number)
		}
		for _, g := range s.Groups {
			if g.Name == "" {
				return fmt.Errorf("stage %d has a group with empty name", s.Number)
			}
			if err := validateQuestions(g.Questions, categories, g.Name); err != nil {
				return err
			}
			for _, sec := range g.Sections {
				if sec.Name == "" {
					return fmt.Errorf("group %s has a section with empty name", g.Name)
				}
				if err := validateQuestions(sec.Questions, categories, g.Name+"/"+sec.Name); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func validateQuestions(questions []Question, categories map[string]bool, where string) error {
	for _, q := range questions {
		if q.Text == "" {
			return fmt.Errorf("%s has a question with empty text", where)
		}
		if q.CategoryID != "" && len(categories) > 0 && !categories[q.CategoryID] {
			return fmt.Errorf("%s question references unknown category %s", where, q.CategoryID)
		}
	}
	return nil
}

// StageNumbers returns the stage ordinals in ascending order.
func (t *Template) StageNumbers() []int {
	nums := make([]int, 0, len(t.Stages))
	for _, s := range t.Stages {
		nums = append(nums, s.Number)
	}
	sort.Ints(nums)
	return nums
}

// Stage returns the stage with the given number, or nil.
func (t *Template) Stage(number int) *Stage {
	for i := range t.Stages {
		if t.Stages[i].Number == number {
			return &t.Stages[i]
		}
	}
	return nil
}

// Category returns the defect category with the given id, or nil.
func (t *Template) Category(id string) *Category {
	for i := range t.DefectCategories {
		if t.DefectCategories[i].ID == id {
			return &t.DefectCategories[i]
		}
	}
	return nil
}

// FromYAML parses and validates a template from raw YAML bytes.
func FromYAML(data []byte) (*Template, error) {
	var t Template
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("invalid template yaml: %w", err)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

// FromFile reads YAML template from the given path.
func FromFile(path string) (*Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the built-in three-phase template.
func Default() *Template {
	t, err := FromYAML([]byte(defaultTemplate))
	if err != nil {
		panic(fmt.Sprintf("default template invalid: %v", err))
	}
	return t
}

const defaultTemplate = `name: Default Quality Review Template

defect_categories:
  - id: requirements
    name: Requirements
    color: "#ef4444"
  - id: design
    name: Design
    color: "#f59e0b"
  - id: implementation
    name: Implementation
    color: "#3b82f6"
  - id: documentation
    name: Documentation
    color: "#10b981"

stages:
  - number: 1
    name: Phase 1
    groups:
      - name: Requirements Review
        questions:
          - text: "Are all requirements documented and approved?"
            category_id: requirements
          - text: "Is the scope boundary agreed with the customer?"
            category_id: requirements
        sections:
          - name: Traceability
            questions:
              - text: "Does every requirement have a unique identifier?"
                category_id: requirements
              - text: "Are requirement changes tracked with rationale?"
                category_id: documentation
      - name: Planning
        questions:
          - text: "Is the review schedule agreed by all roles?"
            category_id: documentation

  - number: 2
    name: Phase 2
    groups:
      - name: Design Review
        questions:
          - text: "Does the design cover all approved requirements?"
            category_id: design
          - text: "Are interfaces between components specified?"
            category_id: design
        sections:
          - name: Risk
            questions:
              - text: "Are design risks recorded with mitigations?"
                category_id: design

  - number: 3
    name: Phase 3
    groups:
      - name: Implementation Review
        questions:
          - text: "Does the implementation match the reviewed design?"
            category_id: implementation
          - text: "Are all defects from earlier phases resolved?"
            category_id: implementation
        sections:
          - name: Evidence
            questions:
              - text: "Are test results attached for each checklist item?"
                category_id: documentation
`
