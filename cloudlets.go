package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// ─── Policy API models ──────────────────────────────────────────────

// CloudletTypeER is the edge-redirect cloudlet type.
const CloudletTypeER = "ER"

// Networks a policy version can be activated on.
const (
	NetworkStaging    = "STAGING"
	NetworkProduction = "PRODUCTION"
)

// Activation operations.
const (
	OperationActivate   = "ACTIVATION"
	OperationDeactivate = "DEACTIVATION"
)

const listPageSize = 1000

// Policy is a shared cloudlet policy.
type Policy struct {
	ID           int64  `json:"id,omitempty"`
	Name         string `json:"name"`
	CloudletType string `json:"cloudletType"`
	GroupID      int64  `json:"groupId"`
	Description  string `json:"description,omitempty"`
}

// PolicyVersion is an immutable snapshot of a policy's match rules. Match
// rules are kept as raw JSON so template rules are copied untouched.
type PolicyVersion struct {
	PolicyID    int64             `json:"policyId,omitempty"`
	Version     int64             `json:"version,omitempty"`
	Description string            `json:"description,omitempty"`
	MatchRules  []json.RawMessage `json:"matchRules"`
}

// Activation is the policy API's answer to an activation request.
type Activation struct {
	ID            flexibleID `json:"id"`
	Network       string     `json:"network,omitempty"`
	Operation     string     `json:"operation,omitempty"`
	PolicyVersion int64      `json:"policyVersion,omitempty"`
	Status        string     `json:"status,omitempty"`
}

type pageInfo struct {
	Number     int `json:"number"`
	Size       int `json:"size"`
	TotalPages int `json:"totalPages"`
}

// last reports whether p is the final page (or no paging was returned).
func (p *pageInfo) last() bool {
	return p == nil || p.TotalPages == 0 || p.Number+1 >= p.TotalPages
}

// flexibleID accepts both numeric and string identifiers and writes numeric
// ones back as numbers.
type flexibleID string

func (v *flexibleID) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*v = ""
		return nil
	}

	var strVal string
	if err := json.Unmarshal(trimmed, &strVal); err == nil {
		*v = flexibleID(strVal)
		return nil
	}

	var numVal json.Number
	if err := json.Unmarshal(trimmed, &numVal); err == nil {
		*v = flexibleID(numVal.String())
		return nil
	}

	return fmt.Errorf("unsupported id value: %s", string(trimmed))
}

func (v flexibleID) MarshalJSON() ([]byte, error) {
	if n, err := strconv.ParseInt(string(v), 10, 64); err == nil && strconv.FormatInt(n, 10) == string(v) {
		return []byte(v), nil
	}
	return json.Marshal(string(v))
}

// NormalizeNetwork upper-cases and checks an activation network name.
func NormalizeNetwork(network string) (string, error) {
	n := strings.ToUpper(strings.TrimSpace(network))
	switch n {
	case NetworkStaging, NetworkProduction:
		return n, nil
	}
	return "", fmt.Errorf("unknown network %q, expected %s or %s", network, NetworkStaging, NetworkProduction)
}

// ─── Policy API operations ──────────────────────────────────────────

// ListPolicies returns the policies of cloudletType whose name starts with
// prefix, keyed by name.
func (c *Client) ListPolicies(ctx context.Context, cloudletType, prefix string) (map[string]Policy, error) {
	set := make(map[string]Policy)
	for page := 0; ; page++ {
		var resp struct {
			Content []Policy  `json:"content"`
			Page    *pageInfo `json:"page"`
		}
		err := c.do(ctx, apiRequest{
			Method:  http.MethodGet,
			Path:    "/cloudlets/v3/policies",
			Query:   pageQuery(page),
			OpLabel: "list policies",
		}, &resp)
		if err != nil {
			return nil, err
		}
		for _, p := range resp.Content {
			if p.CloudletType == cloudletType && strings.HasPrefix(p.Name, prefix) {
				set[p.Name] = p
			}
		}
		if resp.Page.last() || len(resp.Content) == 0 {
			break
		}
	}
	return set, nil
}

// CreatePolicy creates a shared policy and returns it with its new ID.
func (c *Client) CreatePolicy(ctx context.Context, p Policy) (Policy, error) {
	c.log.WithField("policy", p.Name).Info("create policy")
	var created Policy
	err := c.do(ctx, apiRequest{
		Method:  http.MethodPost,
		Path:    "/cloudlets/v3/policies",
		Body:    p,
		OpLabel: "create policy " + p.Name,
	}, &created)
	return created, err
}

// ListPolicyVersions returns every version of a policy (metadata only).
func (c *Client) ListPolicyVersions(ctx context.Context, policyID int64) ([]PolicyVersion, error) {
	var versions []PolicyVersion
	for page := 0; ; page++ {
		var resp struct {
			Content []PolicyVersion `json:"content"`
			Page    *pageInfo       `json:"page"`
		}
		err := c.do(ctx, apiRequest{
			Method:  http.MethodGet,
			Path:    fmt.Sprintf("/cloudlets/v3/policies/%d/versions", policyID),
			Query:   pageQuery(page),
			OpLabel: fmt.Sprintf("list versions of policy %d", policyID),
		}, &resp)
		if err != nil {
			return nil, err
		}
		versions = append(versions, resp.Content...)
		if resp.Page.last() || len(resp.Content) == 0 {
			break
		}
	}
	return versions, nil
}

// GetPolicyVersion fetches one version including its match rules.
func (c *Client) GetPolicyVersion(ctx context.Context, policyID, version int64) (PolicyVersion, error) {
	var pv PolicyVersion
	err := c.do(ctx, apiRequest{
		Method:  http.MethodGet,
		Path:    fmt.Sprintf("/cloudlets/v3/policies/%d/versions/%d", policyID, version),
		OpLabel: fmt.Sprintf("get version %d of policy %d", version, policyID),
	}, &pv)
	return pv, err
}

// CreatePolicyVersion submits a new version and returns what the API stored.
func (c *Client) CreatePolicyVersion(ctx context.Context, policyID int64, pv PolicyVersion) (PolicyVersion, error) {
	if pv.MatchRules == nil {
		pv.MatchRules = []json.RawMessage{}
	}
	body := struct {
		Description string            `json:"description,omitempty"`
		MatchRules  []json.RawMessage `json:"matchRules"`
	}{pv.Description, pv.MatchRules}

	var created PolicyVersion
	err := c.do(ctx, apiRequest{
		Method:  http.MethodPost,
		Path:    fmt.Sprintf("/cloudlets/v3/policies/%d/versions", policyID),
		Body:    body,
		OpLabel: fmt.Sprintf("create version of policy %d", policyID),
	}, &created)
	return created, err
}

// ActivatePolicyVersion activates (or deactivates) a version on a network.
// HTTP 429 is retried, waiting for the rate-limit window when the API says
// the quota is spent. Any other non-2xx response is returned immediately.
func (c *Client) ActivatePolicyVersion(ctx context.Context, policyID, version int64, network, operation string) (Activation, error) {
	req := apiRequest{
		Method: http.MethodPost,
		Path:   fmt.Sprintf("/cloudlets/v3/policies/%d/activations", policyID),
		Body: map[string]any{
			"network":       strings.ToUpper(network),
			"operation":     operation,
			"policyVersion": version,
		},
		OpLabel: fmt.Sprintf("%s of policy %d version %d on %s", strings.ToLower(operation), policyID, version, network),
	}
	entry := c.log.WithFields(logrus.Fields{"policy_id": policyID, "version": version, "network": network})

	var act Activation
	for attempt := 1; ; attempt++ {
		resp, body, err := c.send(ctx, req)
		if err != nil {
			return act, newRunError(KindRemote, req.OpLabel, err)
		}
		if resp.StatusCode != http.StatusTooManyRequests {
			if err := checkResponse(resp, body); err != nil {
				return act, newRunError(KindRemote, req.OpLabel, err)
			}
			err := decodeBody(req.OpLabel, body, &act)
			return act, err
		}
		if attempt >= c.maxAttempts {
			return act, newRunError(KindRemote, req.OpLabel,
				fmt.Errorf("still rate limited after %d attempts: %w", attempt, checkResponse(resp, body)))
		}
		wait := rateLimitWait(resp.Header, c.now())
		if wait > 0 {
			entry.WithField("wait", wait.Round(time.Second)).Warn("rate limit exceeded, waiting for reset")
			if err := c.sleep(ctx, wait); err != nil {
				return act, newRunError(KindRemote, req.OpLabel, err)
			}
		} else {
			entry.Debug("rate limited, retrying")
		}
	}
}

func pageQuery(page int) url.Values {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("size", strconv.Itoa(listPageSize))
	return q
}
