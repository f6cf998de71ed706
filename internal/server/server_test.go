package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantbrew/ivbacktest/internal/config"
	"github.com/quantbrew/ivbacktest/internal/hypothesis"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return l
}

func validConfigJSON(t *testing.T, dataDir string) []byte {
	t.Helper()
	cfg, err := config.Parse([]byte(`
strategy_type: iron_condor
symbols: [SPY]
start_date: "2024-01-01"
end_date: "2024-03-31"
data_dir: ` + dataDir + `
position_sizing:
  max_risk_per_trade: 400
iron_condor:
  wing_width: 5
  short_delta: 0.16
`))
	require.NoError(t, err)
	raw, err := json.Marshal(cfg)
	require.NoError(t, err)
	return raw
}

func doRequest(h http.Handler, method, path string, body []byte, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	s := NewServer(Config{Port: 0}, nil, quietLogger())
	w := doRequest(s.Router(), http.MethodGet, "/api/health", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestAuthMiddleware(t *testing.T) {
	s := NewServer(Config{Port: 0, AuthToken: "sekrit"}, nil, quietLogger())
	r := s.Router()

	w := doRequest(r, http.MethodGet, "/api/backtests", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doRequest(r, http.MethodGet, "/api/backtests", nil, map[string]string{"X-Auth-Token": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doRequest(r, http.MethodGet, "/api/backtests", nil, map[string]string{"X-Auth-Token": "sekrit"})
	assert.Equal(t, http.StatusOK, w.Code)

	w = doRequest(r, http.MethodGet, "/api/backtests?token=sekrit", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	// Health stays open for probes.
	w = doRequest(r, http.MethodGet, "/api/health", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestSubmitRejectsBadConfig(t *testing.T) {
	s := NewServer(Config{Port: 0}, nil, quietLogger())
	r := s.Router()

	w := doRequest(r, http.MethodPost, "/api/backtests", []byte(`{"bogus_field": 1}`), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid config")

	// Well-formed JSON that fails validation: no symbols.
	w = doRequest(r, http.MethodPost, "/api/backtests",
		[]byte(`{"strategy_type":"iron_condor","start_date":"2024-01-01","end_date":"2024-03-31"}`), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(r, http.MethodPost, "/api/backtests", []byte(`not json`), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSubmitAndPollJob(t *testing.T) {
	s := NewServer(Config{Port: 0}, nil, quietLogger())
	r := s.Router()

	// An empty data dir completes quickly with an invalid (but
	// well-formed) result.
	dataDir := filepath.Join(t.TempDir(), "data")
	w := doRequest(r, http.MethodPost, "/api/backtests", validConfigJSON(t, dataDir), nil)
	require.Equal(t, http.StatusAccepted, w.Code)

	var submitted struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &submitted))
	require.Len(t, submitted.ID, 8)

	var job Job
	require.Eventually(t, func() bool {
		resp := doRequest(r, http.MethodGet, "/api/backtests/"+submitted.ID, nil, nil)
		if resp.Code != http.StatusOK {
			return false
		}
		if err := json.Unmarshal(resp.Body.Bytes(), &job); err != nil {
			return false
		}
		return job.Status == JobCompleted || job.Status == JobFailed
	}, 10*time.Second, 20*time.Millisecond)

	assert.Equal(t, JobCompleted, job.Status)
	assert.Equal(t, 100, job.Progress)
	require.NotNil(t, job.FinishedAt)
	require.NotNil(t, job.Result)
	assert.False(t, job.Result.IsValid, "no data behind the config")

	list := doRequest(r, http.MethodGet, "/api/backtests", nil, nil)
	require.Equal(t, http.StatusOK, list.Code)
	var jobs []Job
	require.NoError(t, json.Unmarshal(list.Body.Bytes(), &jobs))
	require.Len(t, jobs, 1)
	assert.Equal(t, submitted.ID, jobs[0].ID)
}

func TestGetUnknownJob(t *testing.T) {
	s := NewServer(Config{Port: 0}, nil, quietLogger())
	w := doRequest(s.Router(), http.MethodGet, "/api/backtests/deadbeef", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListHypotheses(t *testing.T) {
	t.Run("nil store yields empty list", func(t *testing.T) {
		s := NewServer(Config{Port: 0}, nil, quietLogger())
		w := doRequest(s.Router(), http.MethodGet, "/api/hypotheses", nil, nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `[]`, w.Body.String())
	})

	t.Run("store contents are returned", func(t *testing.T) {
		store, err := hypothesis.NewStore(filepath.Join(t.TempDir(), "hyp.json"), quietLogger())
		require.NoError(t, err)
		cfg, err := config.Parse([]byte(`
strategy_type: iron_condor
symbols: [SPY]
start_date: "2024-01-01"
end_date: "2024-03-31"
position_sizing:
  max_risk_per_trade: 400
iron_condor:
  wing_width: 5
  short_delta: 0.16
`))
		require.NoError(t, err)
		h, err := store.Create("served", "", cfg)
		require.NoError(t, err)

		s := NewServer(Config{Port: 0}, store, quietLogger())
		w := doRequest(s.Router(), http.MethodGet, "/api/hypotheses", nil, nil)
		require.Equal(t, http.StatusOK, w.Code)

		var listed []hypothesis.Hypothesis
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &listed))
		require.Len(t, listed, 1)
		assert.Equal(t, h.ID, listed[0].ID)
		assert.Equal(t, "served", listed[0].Name)
	})
}
