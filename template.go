package main

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// defaultTemplateFile is looked up next to the executable when the config
// names no template.
const defaultTemplateFile = "er_bulk_template.json"

//go:embed templates/er_bulk_template.json
var embeddedTemplate []byte

//go:embed templates/template.schema.json
var templateSchemaJSON string

const templateSchemaURL = "erbulk://template.schema.json"

var (
	templateSchemaOnce sync.Once
	templateSchema     *jsonschema.Schema
	templateSchemaErr  error
)

// Default names used to locate the parts of the template rule that get
// rewritten per bucket.
const (
	defaultPolicyBehavior       = "edgeRedirector"
	defaultBucketCriterion      = "matchVariable"
	defaultBucketCountBehavior  = "setVariable"
	defaultBucketCountTransform = "MODULO"
)

// TemplateBindings names the behaviors and criterion the patcher rewrites.
// Empty fields fall back to the defaults above.
type TemplateBindings struct {
	PolicyBehavior       string `json:"policyBehavior,omitempty"`
	BucketCriterion      string `json:"bucketCriterion,omitempty"`
	BucketCountBehavior  string `json:"bucketCountBehavior,omitempty"`
	BucketCountTransform string `json:"bucketCountTransform,omitempty"`
	BucketCountVariable  string `json:"bucketCountVariable,omitempty"`
}

func (b TemplateBindings) withDefaults() TemplateBindings {
	if b.PolicyBehavior == "" {
		b.PolicyBehavior = defaultPolicyBehavior
	}
	if b.BucketCriterion == "" {
		b.BucketCriterion = defaultBucketCriterion
	}
	if b.BucketCountBehavior == "" {
		b.BucketCountBehavior = defaultBucketCountBehavior
	}
	if b.BucketCountTransform == "" {
		b.BucketCountTransform = defaultBucketCountTransform
	}
	return b
}

// RuleTemplate is the rule block and variable wired into a property.
type RuleTemplate struct {
	Variable map[string]any   `json:"variable"`
	Rule     map[string]any   `json:"rule"`
	Bindings TemplateBindings `json:"bindings"`
}

// VariableName returns the name of the template variable.
func (t RuleTemplate) VariableName() string {
	name, _ := t.Variable["name"].(string)
	return name
}

// RuleName returns the name of the template rule.
func (t RuleTemplate) RuleName() string {
	name, _ := t.Rule["name"].(string)
	return name
}

// defaultTemplatePath returns er_bulk_template.json beside the executable.
func defaultTemplatePath() string {
	exe, err := os.Executable()
	if err != nil {
		return defaultTemplateFile
	}
	return filepath.Join(filepath.Dir(exe), defaultTemplateFile)
}

// LoadTemplate reads a JSON or YAML template. An empty path, or the default
// path when no file is installed there, selects the built-in template.
func LoadTemplate(path string) (RuleTemplate, error) {
	if path == "" {
		return ParseTemplate(embeddedTemplate, ".json")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && path == defaultTemplatePath() {
			return ParseTemplate(embeddedTemplate, ".json")
		}
		return RuleTemplate{}, newRunError(KindConfig, "reading template", err)
	}
	tpl, err := ParseTemplate(data, filepath.Ext(path))
	if err != nil {
		return RuleTemplate{}, newRunError(KindConfig, "loading template "+path, err)
	}
	return tpl, nil
}

// ParseTemplate decodes and validates template data. ext selects YAML for
// ".yaml" and ".yml"; anything else is JSON.
func ParseTemplate(data []byte, ext string) (RuleTemplate, error) {
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		var doc any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return RuleTemplate{}, fmt.Errorf("parsing YAML template: %w", err)
		}
		converted, err := json.Marshal(doc)
		if err != nil {
			return RuleTemplate{}, fmt.Errorf("converting YAML template: %w", err)
		}
		data = converted
	}

	var doc any
	if err := decodeJSON(data, &doc); err != nil {
		return RuleTemplate{}, fmt.Errorf("parsing template: %w", err)
	}
	schema, err := compiledTemplateSchema()
	if err != nil {
		return RuleTemplate{}, err
	}
	if err := schema.Validate(doc); err != nil {
		return RuleTemplate{}, fmt.Errorf("invalid template: %w", err)
	}

	var tpl RuleTemplate
	if err := decodeJSON(data, &tpl); err != nil {
		return RuleTemplate{}, fmt.Errorf("decoding template: %w", err)
	}
	tpl.Bindings = tpl.Bindings.withDefaults()
	return tpl, nil
}

func compiledTemplateSchema() (*jsonschema.Schema, error) {
	templateSchemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(templateSchemaURL, strings.NewReader(templateSchemaJSON)); err != nil {
			templateSchemaErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		templateSchema, templateSchemaErr = compiler.Compile(templateSchemaURL)
	})
	return templateSchema, templateSchemaErr
}

// decodeJSON unmarshals data keeping numbers as json.Number, so IDs in rule
// trees are written back exactly as read.
func decodeJSON(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}
