package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func writeTempFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

// --- Fake clock ---

// fakeClock never really sleeps; it records the requested waits and moves
// time forward by them.
type fakeClock struct {
	mu    sync.Mutex
	now   time.Time
	slept []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(_ context.Context, d time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.slept = append(c.slept, d)
	c.now = c.now.Add(d)
	return nil
}

// --- Fake policy and property API ---

type activationCall struct {
	PolicyID      int64
	Version       int64
	Network       string
	Operation     string
	AccountSwitch string
}

// fakeAPI is an in-memory stand-in for the policy and property APIs.
type fakeAPI struct {
	mu sync.Mutex

	nextPolicyID int64
	policies     []Policy
	versions     map[int64][]PolicyVersion
	pageSize     int

	activations  []activationCall
	activationID int
	// rateLimited is how many activation requests get a 429 before one is
	// accepted; rateLimitHeaders fills the 429 response headers.
	rateLimited      int
	rateLimitHeaders func(h http.Header)
	activationStatus int

	properties []PropertyVersion
	ruleTree   RuleTree
	puts       []map[string]any

	failVersionCreate bool
	requests          []*http.Request
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		nextPolicyID: 1000,
		versions:     make(map[int64][]PolicyVersion),
		activationID: 5000,
	}
}

// addPolicy registers a policy with an optional first version.
func (f *fakeAPI) addPolicy(p Policy, matchRules ...string) Policy {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p.ID == 0 {
		f.nextPolicyID++
		p.ID = f.nextPolicyID
	}
	if p.CloudletType == "" {
		p.CloudletType = CloudletTypeER
	}
	f.policies = append(f.policies, p)
	if matchRules != nil {
		pv := PolicyVersion{PolicyID: p.ID, Version: 1, Description: "template"}
		for _, r := range matchRules {
			pv.MatchRules = append(pv.MatchRules, json.RawMessage(r))
		}
		f.versions[p.ID] = append(f.versions[p.ID], pv)
	}
	return p
}

func (f *fakeAPI) policyByName(name string) (Policy, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.policies {
		if p.Name == name {
			return p, true
		}
	}
	return Policy{}, false
}

func (f *fakeAPI) latest(policyID int64) PolicyVersion {
	f.mu.Lock()
	defer f.mu.Unlock()
	vs := f.versions[policyID]
	if len(vs) == 0 {
		return PolicyVersion{}
	}
	return vs[len(vs)-1]
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func pathInt(r *http.Request, name string) int64 {
	n, _ := strconv.ParseInt(r.PathValue(name), 10, 64)
	return n
}

func paginate[T any](items []T, r *http.Request, size int) ([]T, pageInfo) {
	if size <= 0 {
		size = len(items) + 1
	}
	number, _ := strconv.Atoi(r.URL.Query().Get("page"))
	total := (len(items) + size - 1) / size
	start := number * size
	if start > len(items) {
		start = len(items)
	}
	end := start + size
	if end > len(items) {
		end = len(items)
	}
	return items[start:end], pageInfo{Number: number, Size: size, TotalPages: total}
}

func (f *fakeAPI) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /cloudlets/v3/policies", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		content, info := paginate(f.policies, r, f.pageSize)
		writeJSON(w, http.StatusOK, map[string]any{"content": content, "page": info})
	})

	mux.HandleFunc("POST /cloudlets/v3/policies", func(w http.ResponseWriter, r *http.Request) {
		var p Policy
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"detail": err.Error()})
			return
		}
		writeJSON(w, http.StatusCreated, f.addPolicy(p))
	})

	mux.HandleFunc("GET /cloudlets/v3/policies/{id}/versions", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		var meta []PolicyVersion
		for _, v := range f.versions[pathInt(r, "id")] {
			meta = append(meta, PolicyVersion{PolicyID: v.PolicyID, Version: v.Version, Description: v.Description})
		}
		content, info := paginate(meta, r, f.pageSize)
		writeJSON(w, http.StatusOK, map[string]any{"content": content, "page": info})
	})

	mux.HandleFunc("GET /cloudlets/v3/policies/{id}/versions/{version}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		for _, v := range f.versions[pathInt(r, "id")] {
			if v.Version == pathInt(r, "version") {
				writeJSON(w, http.StatusOK, v)
				return
			}
		}
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "version not found"})
	})

	mux.HandleFunc("POST /cloudlets/v3/policies/{id}/versions", func(w http.ResponseWriter, r *http.Request) {
		if f.failVersionCreate {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"detail": "boom"})
			return
		}
		var pv PolicyVersion
		if err := json.NewDecoder(r.Body).Decode(&pv); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"detail": err.Error()})
			return
		}
		f.mu.Lock()
		id := pathInt(r, "id")
		pv.PolicyID = id
		pv.Version = int64(len(f.versions[id]) + 1)
		f.versions[id] = append(f.versions[id], pv)
		f.mu.Unlock()
		writeJSON(w, http.StatusCreated, pv)
	})

	mux.HandleFunc("POST /cloudlets/v3/policies/{id}/activations", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.rateLimited > 0 {
			f.rateLimited--
			if f.rateLimitHeaders != nil {
				f.rateLimitHeaders(w.Header())
			}
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"detail": "rate limit exceeded"})
			return
		}
		if f.activationStatus != 0 {
			writeJSON(w, f.activationStatus, map[string]string{"detail": "activation refused"})
			return
		}
		var body struct {
			Network       string `json:"network"`
			Operation     string `json:"operation"`
			PolicyVersion int64  `json:"policyVersion"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		f.activations = append(f.activations, activationCall{
			PolicyID:      pathInt(r, "id"),
			Version:       body.PolicyVersion,
			Network:       body.Network,
			Operation:     body.Operation,
			AccountSwitch: r.URL.Query().Get("accountSwitchKey"),
		})
		f.activationID++
		writeJSON(w, http.StatusCreated, map[string]any{
			"id":            f.activationID,
			"network":       body.Network,
			"operation":     body.Operation,
			"policyVersion": body.PolicyVersion,
			"status":        "IN_PROGRESS",
		})
	})

	mux.HandleFunc("POST /papi/v1/search/find-by-value", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			PropertyName string `json:"propertyName"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		defer f.mu.Unlock()
		var items []PropertyVersion
		for _, pv := range f.properties {
			if pv.PropertyName == body.PropertyName {
				items = append(items, pv)
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"versions": map[string]any{"items": items}})
	})

	mux.HandleFunc("GET /papi/v1/properties/{id}/versions/{version}/rules", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		writeJSON(w, http.StatusOK, f.ruleTree)
	})

	mux.HandleFunc("PUT /papi/v1/properties/{id}/versions/{version}/rules", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"detail": err.Error()})
			return
		}
		f.mu.Lock()
		f.puts = append(f.puts, body)
		f.mu.Unlock()
		writeJSON(w, http.StatusOK, body)
	})

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.requests = append(f.requests, r.Clone(context.Background()))
		f.mu.Unlock()
		mux.ServeHTTP(w, r)
	})
}

// newTestClient starts an httptest server around f and returns a client
// pointed at it, driven by clock.
func newTestClient(t *testing.T, f *fakeAPI, clock *fakeClock, opts ...ClientOption) *Client {
	t.Helper()
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)
	opts = append([]ClientOption{WithClock(clock.Now, clock.Sleep)}, opts...)
	c, err := NewClient(srv.URL, nil, testLogger(), opts...)
	require.NoError(t, err)
	return c
}

// requestPaths returns "METHOD path" for every request the fake received.
func (f *fakeAPI) requestPaths() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, r := range f.requests {
		out = append(out, r.Method+" "+r.URL.Path)
	}
	return out
}

func countPrefix(items []string, prefix string) int {
	n := 0
	for _, s := range items {
		if strings.HasPrefix(s, prefix) {
			n++
		}
	}
	return n
}
