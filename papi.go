package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
)

// PropertyVersion is one hit of a property search.
type PropertyVersion struct {
	PropertyID       string `json:"propertyId"`
	PropertyName     string `json:"propertyName"`
	PropertyVersion  int    `json:"propertyVersion"`
	ContractID       string `json:"contractId"`
	GroupID          string `json:"groupId"`
	ProductionStatus string `json:"productionStatus"`
	StagingStatus    string `json:"stagingStatus"`
	Etag             string `json:"etag,omitempty"`
}

// PropertySearch is the result of a find-by-value search.
type PropertySearch struct {
	Versions struct {
		Items []PropertyVersion `json:"items"`
	} `json:"versions"`
}

// RuleTree is a property version's rule tree as returned by the API. It is
// kept generic so fields this tool does not touch survive a round trip.
type RuleTree map[string]any

// SearchProperty looks a property up by name.
func (c *Client) SearchProperty(ctx context.Context, name string) (PropertySearch, error) {
	var res PropertySearch
	err := c.do(ctx, apiRequest{
		Method:  http.MethodPost,
		Path:    "/papi/v1/search/find-by-value",
		Body:    map[string]string{"propertyName": name},
		Papi:    true,
		OpLabel: "search property " + name,
	}, &res)
	return res, err
}

func ruleTreePath(pv PropertyVersion) (string, url.Values) {
	q := url.Values{}
	q.Set("contractId", pv.ContractID)
	q.Set("groupId", pv.GroupID)
	return fmt.Sprintf("/papi/v1/properties/%s/versions/%d/rules", url.PathEscape(pv.PropertyID), pv.PropertyVersion), q
}

// GetRuleTree fetches the full rule tree of a property version.
func (c *Client) GetRuleTree(ctx context.Context, pv PropertyVersion) (RuleTree, error) {
	path, q := ruleTreePath(pv)
	var tree RuleTree
	err := c.do(ctx, apiRequest{
		Method:  http.MethodGet,
		Path:    path,
		Query:   q,
		Papi:    true,
		OpLabel: fmt.Sprintf("get rules of %s v%d", pv.PropertyName, pv.PropertyVersion),
	}, &tree)
	if err == nil && tree == nil {
		tree = RuleTree{}
	}
	return tree, err
}

// PutRuleTree replaces the rule tree of a property version with tree's rules.
// There is no concurrency check: edits made elsewhere since the read are lost.
func (c *Client) PutRuleTree(ctx context.Context, pv PropertyVersion, tree RuleTree) (RuleTree, error) {
	path, q := ruleTreePath(pv)
	var updated RuleTree
	err := c.do(ctx, apiRequest{
		Method:  http.MethodPut,
		Path:    path,
		Query:   q,
		Body:    map[string]any{"rules": tree["rules"]},
		Papi:    true,
		OpLabel: fmt.Sprintf("update rules of %s v%d", pv.PropertyName, pv.PropertyVersion),
	}, &updated)
	return updated, err
}
