package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-dcvae/dcvae"
	"github.com/tsawler/go-dcvae/summary"
)

func testSpec() dcvae.Specification {
	spec := dcvae.DefaultSpecification()
	spec.ModelName = "served"
	spec.GridHeight = 4
	spec.GridWidth = 4
	spec.LatentDimension = 8
	return spec
}

func testServer(t *testing.T, store *summary.Store) http.Handler {
	t.Helper()
	m, err := dcvae.New(testSpec(), dcvae.WithSeed(7))
	require.NoError(t, err)
	return New(m, store).GenerateRoutes()
}

func rows(n, size int) [][]float32 {
	out := make([][]float32, n)
	for i := range out {
		out[i] = make([]float32, size)
		for j := range out[i] {
			out[i][j] = 0.3 + 0.01*float32(j)
		}
	}
	return out
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestRootAndSpec(t *testing.T) {
	h := testServer(t, nil)

	w := do(t, h, http.MethodGet, "/", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "dcvae is running", w.Body.String())

	w = do(t, h, http.MethodGet, "/api/spec", nil)
	require.Equal(t, http.StatusOK, w.Code)
	spec := decode[dcvae.Specification](t, w)
	assert.Equal(t, "served", spec.ModelName)
	assert.Equal(t, 8, spec.LatentDimension)
}

func TestMetrics(t *testing.T) {
	w := do(t, testServer(t, nil), http.MethodGet, "/api/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)

	resp := decode[MetricsResponse](t, w)
	assert.Equal(t, []string{"T2m"}, resp.Channels)
	assert.Len(t, resp.Train.RMSE, 1)
	assert.Len(t, resp.Test.RMSE, 1)
	assert.Contains(t, w.Body.String(), `"logqz_x"`)
}

func TestEncode(t *testing.T) {
	w := do(t, testServer(t, nil), http.MethodPost, "/api/encode", FieldsRequest{Fields: rows(2, 16)})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	resp := decode[EncodeResponse](t, w)
	require.Len(t, resp.Mean, 2)
	require.Len(t, resp.LogVar, 2)
	assert.Len(t, resp.Mean[0], 8)
	assert.Len(t, resp.LogVar[1], 8)
	// identical inputs encode identically
	assert.Equal(t, resp.Mean[0], resp.Mean[1])
}

func TestEncodeErrors(t *testing.T) {
	h := testServer(t, nil)

	cases := []struct {
		name string
		body any
		want string
	}{
		{"missing body", nil, "missing request body"},
		{"no samples", FieldsRequest{}, "no samples given"},
		{"wrong size", FieldsRequest{Fields: rows(1, 15)}, "sample 0 has 15 values, want 16"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := do(t, h, http.MethodPost, "/api/encode", tc.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			resp := decode[map[string]string](t, w)
			assert.Contains(t, resp["error"], tc.want)
		})
	}
}

func TestReconstruct(t *testing.T) {
	h := testServer(t, nil)

	w := do(t, h, http.MethodPost, "/api/reconstruct", FieldsRequest{Fields: rows(3, 16)})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode[ReconstructResponse](t, w)
	require.Len(t, resp.Fields, 3)
	assert.Len(t, resp.Fields[0], 16)
	require.Len(t, resp.Skill, 1)
	assert.Greater(t, resp.Skill[0], float32(0))

	// the posterior mean is deterministic
	again := decode[ReconstructResponse](t, do(t, h, http.MethodPost, "/api/reconstruct", FieldsRequest{Fields: rows(3, 16)}))
	assert.Equal(t, resp.Fields, again.Fields)

	w = do(t, h, http.MethodPost, "/api/reconstruct", FieldsRequest{Fields: rows(1, 16), Sample: true})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Len(t, decode[ReconstructResponse](t, w).Fields, 1)
}

func TestGenerate(t *testing.T) {
	h := testServer(t, nil)

	w := do(t, h, http.MethodPost, "/api/generate", GenerateRequest{Latent: rows(2, 8)})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode[ReconstructResponse](t, w)
	require.Len(t, resp.Fields, 2)
	assert.Len(t, resp.Fields[1], 16)
	assert.Empty(t, resp.Skill)

	w = do(t, h, http.MethodPost, "/api/generate", GenerateRequest{Latent: rows(1, 4)})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMethodNotAllowed(t *testing.T) {
	w := do(t, testServer(t, nil), http.MethodGet, "/api/encode", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestRunsNeedStore(t *testing.T) {
	w := do(t, testServer(t, nil), http.MethodGet, "/api/runs", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRunsAndCurves(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.db")
	sw, err := summary.NewSQLiteWriter(path, "served")
	require.NoError(t, err)
	for epoch := 1; epoch <= 2; epoch++ {
		require.NoError(t, sw.Scalar("Train_loss", epoch, 1/float32(epoch)))
		require.NoError(t, sw.Vector("Train_RMSE", epoch, []float32{0.5 / float32(epoch)}))
	}
	runID := sw.RunID()
	require.NoError(t, sw.Close())

	store, err := summary.OpenStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	h := testServer(t, store)

	w := do(t, h, http.MethodGet, "/api/runs?model=served", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), runID)

	w = do(t, h, http.MethodGet, "/api/runs?model=other", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"runs":[]}`, w.Body.String())

	w = do(t, h, http.MethodGet, "/api/runs/"+runID+"/curves", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	curves := decode[summary.PlotData](t, w)
	assert.Equal(t, summary.TrainingCurves, curves.PlotType)
	require.Len(t, curves.Series, 1)
	assert.Equal(t, "Train_loss", curves.Series[0].Name)
	assert.Equal(t, []summary.DataPoint{{X: 1, Y: 1}, {X: 2, Y: 0.5}}, curves.Series[0].Data)

	w = do(t, h, http.MethodGet, "/api/runs/"+runID+"/curves?kind=skill", nil)
	require.Equal(t, http.StatusOK, w.Code)
	skill := decode[summary.PlotData](t, w)
	require.Len(t, skill.Series, 1)
	assert.Equal(t, "Train_RMSE T2m", skill.Series[0].Name)

	w = do(t, h, http.MethodGet, "/api/runs/"+runID+"/curves?kind=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, h, http.MethodGet, "/api/runs/nope/curves", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "run not found: nope")
}

func TestServeShutsDownOnCancel(t *testing.T) {
	m, err := dcvae.New(testSpec(), dcvae.WithSeed(1))
	require.NoError(t, err)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- New(m, nil).Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	require.NoError(t, <-done)

	_, err = http.Get("http://" + ln.Addr().String() + "/")
	assert.Error(t, err)
}

func TestCORS(t *testing.T) {
	t.Setenv("DCVAE_ORIGINS", "https://maps.example.com")
	h := testServer(t, nil)

	for _, tc := range []struct {
		origin string
		status int
	}{
		{"http://localhost:3000", http.StatusOK},
		{"https://maps.example.com", http.StatusOK},
		{"https://elsewhere.example.com", http.StatusForbidden},
	} {
		req := httptest.NewRequest(http.MethodGet, "/api/spec", nil)
		req.Header.Set("Origin", tc.origin)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		assert.Equal(t, tc.status, w.Code, tc.origin)
		if tc.status == http.StatusOK {
			assert.Equal(t, tc.origin, w.Header().Get("Access-Control-Allow-Origin"))
		}
	}
}
