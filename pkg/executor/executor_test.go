package executor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cerrors "github.com/rizome-dev/conductor/pkg/errors"
	"github.com/rizome-dev/conductor/pkg/types"
)

func agentAt(url string) *types.Agent {
	return &types.Agent{ID: "a1", Framework: "autogen", Capabilities: map[string]string{EndpointCapability: url}}
}

func TestHTTPExecutorSuccess(t *testing.T) {
	var got taskRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "secret", r.Header.Get("X-Token"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"output": map[string]interface{}{"answer": 42}})
	}))
	defer srv.Close()

	e := NewHTTPExecutor(WithHeader("X-Token", "secret"))
	res, err := e.Execute(context.Background(), agentAt(srv.URL), Task{
		RunID: "r1", NodeID: "n1", Attempt: 1, Params: map[string]interface{}{"q": "hi"},
	})
	require.NoError(t, err)
	assert.Equal(t, float64(42), res.Output["answer"])
	assert.Equal(t, "a1", got.AgentID)
	assert.Equal(t, "autogen", got.Framework)
	assert.Equal(t, "n1", got.NodeID)
	assert.Equal(t, "hi", got.Params["q"])
}

func TestHTTPExecutorFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/status":
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte(`{"error":"model overloaded"}`))
		case "/field":
			_, _ = w.Write([]byte(`{"error":"bad input"}`))
		case "/garbage":
			_, _ = w.Write([]byte(`not json`))
		}
	}))
	defer srv.Close()

	e := NewHTTPExecutor()
	_, err := e.Execute(context.Background(), agentAt(srv.URL+"/status"), Task{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model overloaded")

	_, err = e.Execute(context.Background(), agentAt(srv.URL+"/field"), Task{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad input")

	_, err = e.Execute(context.Background(), agentAt(srv.URL+"/garbage"), Task{})
	assert.Error(t, err)
}

func TestHTTPExecutorNoEndpoint(t *testing.T) {
	_, err := NewHTTPExecutor().Execute(context.Background(), &types.Agent{ID: "a1"}, Task{})
	assert.True(t, cerrors.Is(err, cerrors.ErrAgentUnavailable))
}

func TestHTTPExecutorHonoursContext(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := NewHTTPExecutor().Execute(ctx, agentAt(srv.URL), Task{})
	assert.Error(t, err)
}

func TestFuncAdapter(t *testing.T) {
	var e Executor = Func(func(ctx context.Context, agent *types.Agent, task Task) (*Result, error) {
		return &Result{Output: map[string]interface{}{"node": task.NodeID}}, nil
	})
	res, err := e.Execute(context.Background(), &types.Agent{ID: "a1"}, Task{NodeID: "n1"})
	require.NoError(t, err)
	assert.Equal(t, "n1", res.Output["node"])
}
