package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/sirupsen/logrus"
)

// propertyAPI is the part of the property API the patcher needs.
type propertyAPI interface {
	SearchProperty(ctx context.Context, name string) (PropertySearch, error)
	GetRuleTree(ctx context.Context, pv PropertyVersion) (RuleTree, error)
	PutRuleTree(ctx context.Context, pv PropertyVersion, tree RuleTree) (RuleTree, error)
}

// Patcher wires the bucket policies into property rule trees.
type Patcher struct {
	api propertyAPI
	log *logrus.Logger
}

// NewPatcher creates a Patcher on top of the property API.
func NewPatcher(api propertyAPI, log *logrus.Logger) *Patcher {
	return &Patcher{api: api, log: log}
}

// errNoEditableVersion is wrapped in the state error raised when every
// version of a property is active somewhere.
var errNoEditableVersion = errors.New("the latest version is not updatable, please create a version that can be updated")

// editableVersion returns the last version that is inactive on both
// networks. Search results list versions oldest first.
func editableVersion(items []PropertyVersion) (PropertyVersion, bool) {
	var found PropertyVersion
	ok := false
	for _, pv := range items {
		if pv.ProductionStatus == "INACTIVE" && pv.StagingStatus == "INACTIVE" {
			found, ok = pv, true
		}
	}
	return found, ok
}

// UpdateProperty rewrites the editable version of property so its redirect
// rule has one child per bucket policy, then writes the whole tree back.
func (p *Patcher) UpdateProperty(ctx context.Context, property string, tpl RuleTemplate, policies []PolicyRef, buckets int) error {
	entry := p.log.WithField("property", property)
	entry.Info("updating property")

	search, err := p.api.SearchProperty(ctx, property)
	if err != nil {
		return err
	}
	pv, ok := editableVersion(search.Versions.Items)
	if !ok {
		return newRunError(KindState, "updating "+property, errNoEditableVersion)
	}
	entry = entry.WithField("version", pv.PropertyVersion)

	tree, err := p.api.GetRuleTree(ctx, pv)
	if err != nil {
		return err
	}
	inserted, err := PatchRuleTree(tree, tpl, policies, buckets)
	if err != nil {
		if errorKind(err) != 0 {
			return err
		}
		return newRunError(KindConfig, "patching "+property, err)
	}
	if inserted {
		entry.WithField("rule", tpl.RuleName()).Info("rule not found in the configuration, added rule tree from template")
	}

	if _, err := p.api.PutRuleTree(ctx, pv, tree); err != nil {
		return err
	}
	entry.WithField("children", len(policies)).Info("property rule tree updated")
	return nil
}

// PatchRuleTree edits tree in place. It reports whether the template rule had
// to be inserted because the tree did not contain it yet.
func PatchRuleTree(tree RuleTree, tpl RuleTemplate, policies []PolicyRef, buckets int) (bool, error) {
	if len(policies) != buckets {
		return false, fmt.Errorf("config holds %d policies but buckets is %d, run --parse with the same bucket count first", len(policies), buckets)
	}
	rules, ok := tree["rules"].(map[string]any)
	if !ok {
		return false, newRunError(KindState, "patching rule tree", errors.New("rule tree has no rules object"))
	}
	bindings := tpl.Bindings.withDefaults()

	ensureVariable(rules, tpl.Variable)

	children, _ := rules["children"].([]any)
	idx := indexByName(children, tpl.RuleName())
	inserted := false
	if idx < 0 {
		children = append([]any{deepCopy(tpl.Rule)}, children...)
		idx = 0
		inserted = true
	}
	target, ok := children[idx].(map[string]any)
	if !ok {
		return false, fmt.Errorf("rule %q is not an object", tpl.RuleName())
	}

	countBehavior := findFeature(target["behaviors"], bindings.BucketCountBehavior, func(opts map[string]any) bool {
		if bindings.BucketCountVariable != "" && opts["variableName"] != bindings.BucketCountVariable {
			return false
		}
		if bindings.BucketCountTransform != "" && opts["transform"] != bindings.BucketCountTransform {
			return false
		}
		return true
	})
	if countBehavior == nil {
		return false, fmt.Errorf("rule %q has no %s behavior to carry the bucket count", tpl.RuleName(), bindings.BucketCountBehavior)
	}

	proto := firstChild(target)
	if proto == nil {
		proto = firstChild(tpl.Rule)
	}
	if proto == nil {
		return false, fmt.Errorf("rule %q has no child rule to clone", tpl.RuleName())
	}

	generated := make([]any, 0, len(policies))
	for i, ref := range policies {
		child, err := bucketChild(proto, bindings, i, ref)
		if err != nil {
			return false, err
		}
		generated = append(generated, child)
	}
	target["children"] = generated

	options(countBehavior)["operandOne"] = strconv.Itoa(buckets)

	rules["children"] = children
	return inserted, nil
}

// bucketChild clones proto into the child rule that routes bucket i to ref.
func bucketChild(proto map[string]any, b TemplateBindings, i int, ref PolicyRef) (map[string]any, error) {
	child := deepCopy(proto).(map[string]any)
	child["name"] = fmt.Sprintf("Redirect %03d", i)

	behavior := findFeature(child["behaviors"], b.PolicyBehavior, nil)
	if behavior == nil {
		return nil, fmt.Errorf("child rule has no %s behavior", b.PolicyBehavior)
	}
	options(behavior)["cloudletSharedPolicy"] = json.Number(strconv.FormatInt(ref.PolicyID, 10))

	criterion := findFeature(child["criteria"], b.BucketCriterion, nil)
	if criterion == nil {
		return nil, fmt.Errorf("child rule has no %s criterion", b.BucketCriterion)
	}
	options(criterion)["variableValues"] = []any{strconv.Itoa(i)}
	return child, nil
}

// ensureVariable appends v to rules.variables unless a variable with the same
// name is already declared.
func ensureVariable(rules map[string]any, v map[string]any) {
	vars, _ := rules["variables"].([]any)
	if indexByName(vars, nameOf(v)) < 0 {
		vars = append(vars, deepCopy(v))
	}
	rules["variables"] = vars
}

func nameOf(v any) string {
	m, _ := v.(map[string]any)
	name, _ := m["name"].(string)
	return name
}

func indexByName(list []any, name string) int {
	for i, item := range list {
		if nameOf(item) == name {
			return i
		}
	}
	return -1
}

func firstChild(rule map[string]any) map[string]any {
	children, _ := rule["children"].([]any)
	if len(children) == 0 {
		return nil
	}
	child, _ := children[0].(map[string]any)
	return child
}

// findFeature returns the first behavior or criterion in list named name
// whose options satisfy match (nil matches anything).
func findFeature(list any, name string, match func(map[string]any) bool) map[string]any {
	items, _ := list.([]any)
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok || m["name"] != name {
			continue
		}
		if match == nil || match(options(m)) {
			return m
		}
	}
	return nil
}

// options returns feature.options, creating it when absent.
func options(feature map[string]any) map[string]any {
	opts, ok := feature["options"].(map[string]any)
	if !ok {
		opts = map[string]any{}
		feature["options"] = opts
	}
	return opts
}

// deepCopy clones decoded JSON so bucket children never share maps or slices.
func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = deepCopy(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = deepCopy(val)
		}
		return out
	default:
		return v
	}
}
