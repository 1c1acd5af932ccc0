// Copyright (c) Uplinkd Authors
// SPDX-License-Identifier: BSD-3-Clause

package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/uplinkd/uplinkd/history"
	"github.com/uplinkd/uplinkd/supervisor"
)

type fakeController struct {
	status       supervisor.Status
	requests     []supervisor.RotationTrigger
	requestOK    bool
	autoEnabled  bool
	autoInterval time.Duration
}

func (f *fakeController) Status() supervisor.Status { return f.status }

func (f *fakeController) RequestRotation(trigger supervisor.RotationTrigger) bool {
	f.requests = append(f.requests, trigger)
	return f.requestOK
}

func (f *fakeController) SetAutoRotation(enabled bool) { f.autoEnabled = enabled }

func (f *fakeController) AutoRotation() (bool, time.Duration) {
	return f.autoEnabled, f.autoInterval
}

type fakeHistory struct {
	recs []history.Record
}

func (f *fakeHistory) Recent(n int) ([]history.Record, error) {
	if n > len(f.recs) {
		n = len(f.recs)
	}
	return f.recs[:n], nil
}

func newTestServer(t *testing.T, token string) (*Server, *fakeController, *fakeHistory) {
	t.Helper()
	ctrl := &fakeController{
		status: supervisor.Status{
			Interface: "enx0", Backend: "dhcp", State: "healthy",
			FwMark: 0x1, PublicAddress: "203.0.113.7",
		},
		requestOK:    true,
		autoInterval: 10 * time.Minute,
	}
	hist := &fakeHistory{recs: []history.Record{
		{Trigger: "manual", Outcome: "success", NewAddress: "203.0.113.7"},
	}}
	srv := New(zaptest.NewLogger(t), "127.0.0.1:0", token, "test", ctrl, hist)
	return srv, ctrl, hist
}

func doReq(t *testing.T, h http.Handler, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr *strings.Reader
	if body == "" {
		rdr = strings.NewReader("")
	} else {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rdr)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestStatus(t *testing.T) {
	srv, _, _ := newTestServer(t, "")
	w := doReq(t, srv.Handler(), http.MethodGet, "/status", "", "")
	require.Equal(t, http.StatusOK, w.Code)

	var st supervisor.Status
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, "enx0", st.Interface)
	assert.Equal(t, "healthy", st.State)
	assert.Equal(t, "203.0.113.7", st.PublicAddress)
}

func TestAuthRequired(t *testing.T) {
	srv, _, _ := newTestServer(t, "sekrit")
	h := srv.Handler()

	w := doReq(t, h, http.MethodGet, "/status", "", "")
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doReq(t, h, http.MethodGet, "/status", "wrong", "")
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doReq(t, h, http.MethodGet, "/status", "sekrit", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRotateAccepted(t *testing.T) {
	srv, ctrl, _ := newTestServer(t, "")
	w := doReq(t, srv.Handler(), http.MethodPost, "/rotate", "", "")

	assert.Equal(t, http.StatusAccepted, w.Code)
	require.Len(t, ctrl.requests, 1)
	assert.Equal(t, supervisor.TriggerManual, ctrl.requests[0])
}

func TestRotateAlreadyPendingStillAccepted(t *testing.T) {
	srv, ctrl, _ := newTestServer(t, "")
	ctrl.requestOK = false
	w := doReq(t, srv.Handler(), http.MethodPost, "/rotate", "", "")

	assert.Equal(t, http.StatusAccepted, w.Code)
	var resp rotateResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Contains(t, resp.Detail, "pending")
}

func TestRotateRateLimited(t *testing.T) {
	srv, ctrl, _ := newTestServer(t, "")
	h := srv.Handler()

	w := doReq(t, h, http.MethodPost, "/rotate", "", "")
	require.Equal(t, http.StatusAccepted, w.Code)

	// Burst exhausted; the limiter refills every 30s.
	w = doReq(t, h, http.MethodPost, "/rotate", "", "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Len(t, ctrl.requests, 1, "rejected request never reaches the supervisor")
}

func TestHistory(t *testing.T) {
	srv, _, _ := newTestServer(t, "")
	w := doReq(t, srv.Handler(), http.MethodGet, "/history", "", "")
	require.Equal(t, http.StatusOK, w.Code)

	var recs []history.Record
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &recs))
	require.Len(t, recs, 1)
	assert.Equal(t, "203.0.113.7", recs[0].NewAddress)
}

func TestHistoryBadCount(t *testing.T) {
	srv, _, _ := newTestServer(t, "")
	w := doReq(t, srv.Handler(), http.MethodGet, "/history?n=0", "", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doReq(t, srv.Handler(), http.MethodGet, "/history?n=nope", "", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHistoryNilStore(t *testing.T) {
	ctrl := &fakeController{requestOK: true}
	srv := New(zaptest.NewLogger(t), "127.0.0.1:0", "", "test", ctrl, nil)
	w := doReq(t, srv.Handler(), http.MethodGet, "/history", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, "[]", w.Body.String())
}

func TestAutoRotationToggle(t *testing.T) {
	srv, ctrl, _ := newTestServer(t, "")
	h := srv.Handler()

	w := doReq(t, h, http.MethodGet, "/auto-rotation/status", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	var body autoRotationBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.False(t, body.Enabled)
	assert.Equal(t, "10m0s", body.Interval)

	w = doReq(t, h, http.MethodPost, "/auto-rotation/enable", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, ctrl.autoEnabled)

	w = doReq(t, h, http.MethodPost, "/auto-rotation/disable", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, ctrl.autoEnabled)
}

func TestVersion(t *testing.T) {
	srv, _, _ := newTestServer(t, "")
	w := doReq(t, srv.Handler(), http.MethodGet, "/version", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "test")
}

func TestMetricsExposed(t *testing.T) {
	srv, _, _ := newTestServer(t, "")
	w := doReq(t, srv.Handler(), http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}
