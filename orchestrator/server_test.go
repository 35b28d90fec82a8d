// Copyright 2025 Quorum Authors
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quorum/orchestrator/inference"
	"quorum/orchestrator/model"
)

func newTestServer(t *testing.T, reg *model.Registry, client *inference.ScriptedClient) *httptest.Server {
	t.Helper()
	exec := NewExecutor(testConfig(), reg, client)
	srv := httptest.NewServer(NewServer(exec, reg, nil).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func TestQueryEndpoint(t *testing.T) {
	reg := model.NewRegistry()
	mustRegister(t, reg, "fast-1", model.TierFast, model.StatusRunning)

	client := inference.NewScriptedClient().
		Script("fast-1", inference.Script{Text: "hi there"})

	srv := newTestServer(t, reg, client)

	resp, err := http.Post(srv.URL+"/api/query", "application/json",
		strings.NewReader(`{"query": "hello", "mode": "simple"}`))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	var res QueryResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	assert.Equal(t, "hi there", res.Answer)
	assert.Equal(t, ModeSimple, res.Mode)
	assert.NotEmpty(t, res.RequestID)
}

func TestQueryEndpointMalformedBody(t *testing.T) {
	srv := newTestServer(t, model.NewRegistry(), inference.NewScriptedClient())

	resp, err := http.Post(srv.URL+"/api/query", "application/json",
		strings.NewReader(`{not json`))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestQueryEndpointErrorMapping(t *testing.T) {
	srv := newTestServer(t, model.NewRegistry(), inference.NewScriptedClient())

	resp, err := http.Post(srv.URL+"/api/query", "application/json",
		strings.NewReader(`{"query": "hello", "mode": "simple"}`))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var body errorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, CodeModelUnavailable, body.Code)
	assert.Equal(t, string(StateFailed), body.State)
}

func TestListModels(t *testing.T) {
	reg := model.NewRegistry()
	mustRegister(t, reg, "fast-1", model.TierFast, model.StatusRunning)
	mustRegister(t, reg, "bal-1", model.TierBalanced, model.StatusStopped)
	require.NoError(t, reg.MarkDegraded("fast-1"))

	srv := newTestServer(t, reg, inference.NewScriptedClient())

	resp, err := http.Get(srv.URL + "/api/models")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Models []modelView `json:"models"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Models, 2)
	assert.Equal(t, "fast-1", body.Models[0].ID)
	assert.True(t, body.Models[0].Degraded)
	assert.Equal(t, "stopped", body.Models[1].Status)
}

func TestListModelsTierFilter(t *testing.T) {
	reg := model.NewRegistry()
	mustRegister(t, reg, "fast-1", model.TierFast, model.StatusRunning)
	mustRegister(t, reg, "bal-1", model.TierBalanced, model.StatusRunning)

	srv := newTestServer(t, reg, inference.NewScriptedClient())

	resp, err := http.Get(srv.URL + "/api/models?tier=balanced")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	var body struct {
		Models []modelView `json:"models"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Models, 1)
	assert.Equal(t, "bal-1", body.Models[0].ID)

	bad, err := http.Get(srv.URL + "/api/models?tier=gigantic")
	require.NoError(t, err)
	defer func() { _ = bad.Body.Close() }()
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)
}

func TestLifecycleEndpoint(t *testing.T) {
	reg := model.NewRegistry()
	mustRegister(t, reg, "fast-1", model.TierFast, model.StatusRunning)

	srv := newTestServer(t, reg, inference.NewScriptedClient())

	resp, err := http.Post(srv.URL+"/api/models/fast-1/lifecycle", "application/json",
		strings.NewReader(`{"status": "stopped"}`))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	m, err := reg.Get("fast-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusStopped, m.Status)
}

func TestLifecycleEndpointRejectsUnknown(t *testing.T) {
	reg := model.NewRegistry()
	mustRegister(t, reg, "fast-1", model.TierFast, model.StatusRunning)

	srv := newTestServer(t, reg, inference.NewScriptedClient())

	resp, err := http.Post(srv.URL+"/api/models/fast-1/lifecycle", "application/json",
		strings.NewReader(`{"status": "hibernating"}`))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	missing, err := http.Post(srv.URL+"/api/models/ghost/lifecycle", "application/json",
		strings.NewReader(`{"status": "running"}`))
	require.NoError(t, err)
	defer func() { _ = missing.Body.Close() }()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestHealthEndpoint(t *testing.T) {
	reg := model.NewRegistry()
	mustRegister(t, reg, "fast-1", model.TierFast, model.StatusRunning)

	srv := newTestServer(t, reg, inference.NewScriptedClient())

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(1), body["models"])
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t, model.NewRegistry(), inference.NewScriptedClient())

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
