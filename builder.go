package main

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"
)

// policyAPI is the part of the policy API the builder needs.
type policyAPI interface {
	ListPolicies(ctx context.Context, cloudletType, prefix string) (map[string]Policy, error)
	CreatePolicy(ctx context.Context, p Policy) (Policy, error)
	ListPolicyVersions(ctx context.Context, policyID int64) ([]PolicyVersion, error)
	GetPolicyVersion(ctx context.Context, policyID, version int64) (PolicyVersion, error)
	CreatePolicyVersion(ctx context.Context, policyID int64, pv PolicyVersion) (PolicyVersion, error)
}

// generatedVersionDescription marks versions written by this tool.
const generatedVersionDescription = "generated"

// BucketPlan is the generated content of one bucket, before any API call.
type BucketPlan struct {
	Index       int
	PolicyName  string
	Rules       []RedirectRule
	Fingerprint string
}

// PlanBuckets assigns every rule to its bucket, keeping input order within a
// bucket. It always returns n plans, empty buckets included.
func PlanBuckets(policyName string, rules []RedirectRule, n int) []BucketPlan {
	plans := make([]BucketPlan, n)
	for i := range plans {
		plans[i] = BucketPlan{Index: i, PolicyName: bucketPolicyName(policyName, i)}
	}
	for _, r := range rules {
		i := BucketFor(r.MatchURL, n)
		plans[i].Rules = append(plans[i].Rules, r)
	}
	for i := range plans {
		plans[i].Fingerprint = rulesFingerprint(plans[i].Rules)
	}
	return plans
}

// rulesFingerprint is a short SHA-256 over the generated rules, so two runs
// over the same input can be compared from the logs.
func rulesFingerprint(rules []RedirectRule) string {
	h := sha256.New()
	for _, r := range rules {
		fmt.Fprintf(h, "%q\t%q\t%d\t%q\t%t\n",
			r.MatchURL, r.RedirectURL, r.StatusCode, r.UseRelativeURL, r.UseIncomingQueryString)
	}
	return fmt.Sprintf("%x", h.Sum(nil))[:16]
}

// MatchRules returns the template rules followed by the bucket's rules. The
// template slice is copied, never modified.
func (p BucketPlan) MatchRules(template []json.RawMessage) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, 0, len(template)+len(p.Rules))
	for _, raw := range template {
		out = append(out, append(json.RawMessage(nil), raw...))
	}
	for _, r := range p.Rules {
		data, err := json.Marshal(r)
		if err != nil {
			return nil, fmt.Errorf("encoding rule %s: %w", r.MatchURL, err)
		}
		out = append(out, data)
	}
	return out, nil
}

// Builder turns bucket plans into bucket policies and policy versions.
type Builder struct {
	api policyAPI
	log *logrus.Logger
}

// NewBuilder creates a Builder on top of the policy API.
func NewBuilder(api policyAPI, log *logrus.Logger) *Builder {
	return &Builder{api: api, log: log}
}

// Build creates one new version per bucket policy, creating bucket policies
// that do not exist yet. The base policy's latest version supplies the
// template match rules for every bucket.
func (b *Builder) Build(ctx context.Context, policyName string, rules []RedirectRule, n int) ([]PolicyRef, error) {
	set, err := b.api.ListPolicies(ctx, CloudletTypeER, policyName)
	if err != nil {
		return nil, err
	}
	base, ok := set[policyName]
	if !ok {
		return nil, configErrorf("loading base policy",
			"base policy %s has not been found, create shared policy %s as a template for the bulk redirect policies", policyName, policyName)
	}
	template, err := b.latestVersion(ctx, base)
	if err != nil {
		return nil, err
	}
	b.log.WithFields(logrus.Fields{
		"policy":         policyName,
		"version":        template.Version,
		"template_rules": len(template.MatchRules),
	}).Info("using base policy as template")

	plans := PlanBuckets(policyName, rules, n)
	refs := make([]PolicyRef, 0, len(plans))
	for _, plan := range plans {
		policy, ok := set[plan.PolicyName]
		if !ok {
			policy, err = b.api.CreatePolicy(ctx, Policy{
				Name:         plan.PolicyName,
				CloudletType: CloudletTypeER,
				GroupID:      base.GroupID,
				Description:  plan.PolicyName,
			})
			if err != nil {
				return nil, err
			}
			set[plan.PolicyName] = policy
		}

		matchRules, err := plan.MatchRules(template.MatchRules)
		if err != nil {
			return nil, newRunError(KindInput, "building "+plan.PolicyName, err)
		}
		b.log.WithFields(logrus.Fields{
			"policy":      plan.PolicyName,
			"bucket":      plan.Index,
			"rules":       len(matchRules),
			"generated":   len(plan.Rules),
			"fingerprint": plan.Fingerprint,
		}).Info("create policy version")

		created, err := b.api.CreatePolicyVersion(ctx, policy.ID, PolicyVersion{
			Description: generatedVersionDescription,
			MatchRules:  matchRules,
		})
		if err != nil {
			return nil, err
		}
		refs = append(refs, PolicyRef{PolicyID: policy.ID, Version: created.Version})
	}
	return refs, nil
}

// latestVersion fetches the highest-numbered version of p.
func (b *Builder) latestVersion(ctx context.Context, p Policy) (PolicyVersion, error) {
	versions, err := b.api.ListPolicyVersions(ctx, p.ID)
	if err != nil {
		return PolicyVersion{}, err
	}
	var latest int64
	for _, v := range versions {
		if v.Version > latest {
			latest = v.Version
		}
	}
	if latest == 0 {
		return PolicyVersion{}, configErrorf("loading base policy", "base policy %s has no versions to use as a template", p.Name)
	}
	return b.api.GetPolicyVersion(ctx, p.ID, latest)
}
