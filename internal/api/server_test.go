package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/gitswarm/gitswarm/internal/core"
	"github.com/gitswarm/gitswarm/internal/testutil"
)

func postJSON(t *testing.T, url, key string, body map[string]interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })

	decoded := make(map[string]interface{})
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func TestHealthAndPingOpen(t *testing.T) {
	st := testutil.OpenStore(t)
	url := testutil.Coordinator(t, st)

	for _, path := range []string{"/health", "/api/ping"} {
		resp, err := http.Get(url + path)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s: status %d", path, resp.StatusCode)
		}
	}
}

func TestAuthRequired(t *testing.T) {
	st := testutil.OpenStore(t)
	url := testutil.Coordinator(t, st)

	resp, _ := postJSON(t, url+"/api/consensus/check", "", map[string]interface{}{})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no token: status %d", resp.StatusCode)
	}
	resp, _ = postJSON(t, url+"/api/consensus/check", "gsw_bogus", map[string]interface{}{})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("bad token: status %d", resp.StatusCode)
	}
}

func TestRegisterRepoIdempotent(t *testing.T) {
	ctx := context.Background()
	st := testutil.OpenStore(t)
	agent, key := testutil.SeedAgent(t, st, "founder")
	url := testutil.Coordinator(t, st)

	body := map[string]interface{}{"repo_id": "repo-1", "name": "myproject"}
	resp, decoded := postJSON(t, url+"/api/repos/register", key, body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %v", resp.StatusCode, decoded)
	}
	if decoded["repo_id"] != "repo-1" || decoded["org"] != "founder" {
		t.Errorf("response = %v", decoded)
	}

	m, err := st.GetMaintainer(ctx, "repo-1", agent.ID)
	if err != nil {
		t.Fatal(err)
	}
	if m == nil || m.Role != core.RoleOwner {
		t.Errorf("maintainer = %+v", m)
	}

	// Registering again changes nothing.
	resp, decoded = postJSON(t, url+"/api/repos/register", key, body)
	if resp.StatusCode != http.StatusOK || decoded["repo_id"] != "repo-1" {
		t.Errorf("re-register: status %d body %v", resp.StatusCode, decoded)
	}
	repos, err := st.ListRepos(ctx)
	if err != nil || len(repos) != 1 {
		t.Errorf("repos = %v err = %v", repos, err)
	}
}

func TestRequestMergeMaintainerOverride(t *testing.T) {
	st := testutil.OpenStore(t)
	repo := testutil.SeedRepo(t, st)
	maint, key := testutil.SeedMaintainer(t, st, repo.ID, "maint", core.RoleMaintainer)
	author, authorKey := testutil.SeedAgent(t, st, "author")
	stream := testutil.SeedStream(t, st, repo.ID, author.ID, "swarm/x")
	url := testutil.Coordinator(t, st)

	// Without consensus a non-maintainer is declined.
	resp, decoded := postJSON(t, url+"/api/merges/request", authorKey, map[string]interface{}{
		"repo_id": repo.ID, "stream_id": stream.ID, "agent_id": author.ID,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if approved, _ := decoded["approved"].(bool); approved {
		t.Errorf("author approved without consensus: %v", decoded)
	}

	// A maintainer may override.
	resp, decoded = postJSON(t, url+"/api/merges/request", key, map[string]interface{}{
		"repo_id": repo.ID, "stream_id": stream.ID, "agent_id": maint.ID,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if approved, _ := decoded["approved"].(bool); !approved || decoded["reason"] != "maintainer_override" {
		t.Errorf("maintainer request: %v", decoded)
	}
}

func TestSyncEndpointStateConflict(t *testing.T) {
	ctx := context.Background()
	st := testutil.OpenStore(t)
	repo := testutil.SeedRepo(t, st)
	agent, key := testutil.SeedAgent(t, st, "worker")
	stream := testutil.SeedStream(t, st, repo.ID, agent.ID, "swarm/x")
	if _, err := st.UpdateStreamStatus(ctx, stream.ID, core.StreamActive, core.StreamMerged, core.ReviewApproved); err != nil {
		t.Fatal(err)
	}
	url := testutil.Coordinator(t, st)

	// Abandoning a merged stream is a state conflict, not a duplicate.
	resp, decoded := postJSON(t, url+"/api/sync/stream-abandoned", key, map[string]interface{}{
		"stream_id": stream.ID, "agent_id": agent.ID,
	})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("status %d body %v", resp.StatusCode, decoded)
	}
	if decoded["status"] == "duplicate" {
		t.Errorf("terminal stream treated as duplicate: %v", decoded)
	}
}

func TestSyncEndpointCamelCaseBody(t *testing.T) {
	ctx := context.Background()
	st := testutil.OpenStore(t)
	repo := testutil.SeedRepo(t, st)
	agent, key := testutil.SeedAgent(t, st, "worker")
	url := testutil.Coordinator(t, st)

	// Agents written against the older API send camelCase keys.
	resp, _ := postJSON(t, url+"/api/sync/stream-created", key, map[string]interface{}{
		"streamId":   "st-camel",
		"repoId":     repo.ID,
		"agentId":    agent.ID,
		"branch":     "swarm/camel",
		"baseBranch": "buffer",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	got, err := st.GetStream(ctx, "st-camel")
	if err != nil {
		t.Fatal(err)
	}
	if got.Branch != "swarm/camel" || got.Source != core.SourceAPI {
		t.Errorf("stream = %+v", got)
	}
}
