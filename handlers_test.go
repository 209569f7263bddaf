package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/paulmach/orb/geojson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kwv/navdash/bridge"
	"github.com/kwv/navdash/gridmap"
)

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

// newTestServer returns an httptest server for a with the test map loaded
func newTestServer(t *testing.T, a *App, loadMap bool) *httptest.Server {
	t.Helper()
	if loadMap {
		_, err := a.ReloadMap(context.Background())
		require.NoError(t, err)
	}
	srv := httptest.NewServer(newHTTPServer(a))
	t.Cleanup(srv.Close)
	return srv
}

func doRequest(t *testing.T, method, url, body string) *http.Response {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, r)
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

// ---------------------------------------------------------------------------
// status
// ---------------------------------------------------------------------------

func TestHealth(t *testing.T) {
	a, _ := newTestApp(t, testConfig(t))
	srv := newTestServer(t, a, false)

	resp := doRequest(t, http.MethodGet, srv.URL+"/health", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	h := decodeBody[healthStatus](t, resp)
	assert.Equal(t, "ok", h.Status)
	assert.False(t, h.HasMap)
	assert.Equal(t, "disconnected", h.Bridge)

	require.NoError(t, a.Client.Connect(context.Background()))
	_, err := a.ReloadMap(context.Background())
	require.NoError(t, err)

	h = decodeBody[healthStatus](t, doRequest(t, http.MethodGet, srv.URL+"/health", ""))
	assert.True(t, h.HasMap)
	assert.Equal(t, "connected", h.Bridge)
}

func TestMetricsEndpoint(t *testing.T) {
	a, _ := newTestApp(t, testConfig(t))
	srv := newTestServer(t, a, true)

	resp := doRequest(t, http.MethodGet, srv.URL+"/metrics", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "navdash_bridge_connection_state")
	assert.Contains(t, string(body), "navdash_gridmap_raster_decodes_total")
}

// ---------------------------------------------------------------------------
// map
// ---------------------------------------------------------------------------

func TestMap_NoMap(t *testing.T) {
	a, _ := newTestApp(t, testConfig(t))
	srv := newTestServer(t, a, false)

	for _, path := range []string{"/map", "/map/world?px=1&py=1", "/map/pixel?x=0&y=0"} {
		resp := doRequest(t, http.MethodGet, srv.URL+path, "")
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode, path)
		e := decodeBody[apiError](t, resp)
		assert.Equal(t, "no_map", e.Code, path)
	}
}

func TestMap_Summary(t *testing.T) {
	a, _ := newTestApp(t, testConfig(t))
	srv := newTestServer(t, a, true)

	resp := doRequest(t, http.MethodGet, srv.URL+"/map", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	s := decodeBody[gridmap.MapSummary](t, resp)
	assert.Equal(t, 4, s.Width)
	assert.Equal(t, 3, s.Height)
	assert.Equal(t, "raw", s.Mode)
	assert.Equal(t, 0.5, s.Resolution)
	assert.False(t, s.Degraded)
}

func TestMap_Reload(t *testing.T) {
	cfg := testConfig(t)
	a, _ := newTestApp(t, cfg)
	srv := newTestServer(t, a, true)
	first := a.Maps.Load()

	// Replace the raster with a larger one on disk
	bigger := append([]byte("P5\n5 2\n255\n"), make([]byte, 10)...)
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Map.Source, "map.pgm"), bigger, 0o644))

	resp := doRequest(t, http.MethodPost, srv.URL+"/map/reload", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	s := decodeBody[gridmap.MapSummary](t, resp)
	assert.Equal(t, 5, s.Width)
	assert.Equal(t, 2, s.Height)
	assert.NotSame(t, first, a.Maps.Load())

	require.NoError(t, os.Remove(filepath.Join(cfg.Map.Source, "map.pgm")))
	resp = doRequest(t, http.MethodPost, srv.URL+"/map/reload", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, 5, a.Maps.Load().Raster().Width(), "failed reload keeps the previous map")
}

func TestMap_Transforms(t *testing.T) {
	a, _ := newTestApp(t, testConfig(t))
	srv := newTestServer(t, a, true)

	tests := []struct {
		path string
		want any
	}{
		{path: "/map/world?px=1&py=1", want: worldResponse{X: -0.5, Y: 0, InBounds: true}},
		{path: "/map/world?px=0&py=3", want: worldResponse{X: -1, Y: -1, InBounds: false}},
		{path: "/map/pixel?x=-0.25&y=-0.25", want: pixelResponse{PX: 1, PY: 1, InBounds: true}},
		{path: "/map/pixel?x=-1&y=-1", want: pixelResponse{PX: 0, PY: 3, InBounds: false}},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			resp := doRequest(t, http.MethodGet, srv.URL+tt.path, "")
			require.Equal(t, http.StatusOK, resp.StatusCode)
			switch want := tt.want.(type) {
			case worldResponse:
				assert.Equal(t, want, decodeBody[worldResponse](t, resp))
			case pixelResponse:
				assert.Equal(t, want, decodeBody[pixelResponse](t, resp))
			}
		})
	}
}

func TestMap_TransformBadQuery(t *testing.T) {
	a, _ := newTestApp(t, testConfig(t))
	srv := newTestServer(t, a, true)

	for _, path := range []string{"/map/world?px=1", "/map/world?px=a&py=1", "/map/pixel?x=NaN&y=0", "/map/pixel?x=0&y=Inf"} {
		resp := doRequest(t, http.MethodGet, srv.URL+path, "")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, path)
	}
}

// ---------------------------------------------------------------------------
// goals
// ---------------------------------------------------------------------------

func TestGoals_CreateListDelete(t *testing.T) {
	a, tr := newTestApp(t, testConfig(t))
	srv := newTestServer(t, a, true)
	require.NoError(t, a.Client.Connect(context.Background()))

	resp := doRequest(t, http.MethodPost, srv.URL+"/goals", `{"px":1.5,"py":1.5,"theta":0.3,"name":"dock"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decodeBody[goalResponse](t, resp)
	assert.True(t, created.Published)
	assert.Equal(t, "dock", created.Goal.Name)
	assert.InDelta(t, -0.25, created.Goal.X, 1e-12)

	env := tr.conn(0).last()
	assert.Equal(t, "/goal_pose", env.Topic)
	assert.Equal(t, bridge.TypePoseStamped, env.Type)

	resp = doRequest(t, http.MethodGet, srv.URL+"/goals", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/geo+json", resp.Header.Get("Content-Type"))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	fc, err := geojson.UnmarshalFeatureCollection(body)
	require.NoError(t, err)
	require.Len(t, fc.Features, 2)
	assert.Equal(t, "map", fc.Features[0].Properties["kind"])
	assert.Equal(t, created.Goal.ID, fc.Features[1].ID)
	assert.Equal(t, "dock", fc.Features[1].Properties["name"])

	resp = doRequest(t, http.MethodDelete, srv.URL+"/goals/"+created.Goal.ID, "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = doRequest(t, http.MethodDelete, srv.URL+"/goals/"+created.Goal.ID, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGoals_CreateErrors(t *testing.T) {
	tests := []struct {
		name    string
		loadMap bool
		body    string
		status  int
		code    string
	}{
		{name: "no map", body: `{"px":1,"py":1}`, status: http.StatusServiceUnavailable, code: "no_map"},
		{name: "out of bounds", loadMap: true, body: `{"px":10,"py":1}`, status: http.StatusUnprocessableEntity, code: "out_of_bounds"},
		{name: "missing py", loadMap: true, body: `{"px":1}`, status: http.StatusBadRequest, code: "invalid_body"},
		{name: "unknown field", loadMap: true, body: `{"px":1,"py":1,"z":2}`, status: http.StatusBadRequest, code: "invalid_body"},
		{name: "not json", loadMap: true, body: `goal please`, status: http.StatusBadRequest, code: "invalid_body"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, _ := newTestApp(t, testConfig(t))
			srv := newTestServer(t, a, tt.loadMap)

			resp := doRequest(t, http.MethodPost, srv.URL+"/goals", tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, tt.code, decodeBody[apiError](t, resp).Code)
		})
	}
}

// ---------------------------------------------------------------------------
// teleop and telemetry
// ---------------------------------------------------------------------------

func TestCmdVel(t *testing.T) {
	a, tr := newTestApp(t, testConfig(t))
	srv := newTestServer(t, a, false)

	resp := doRequest(t, http.MethodPost, srv.URL+"/cmd_vel", `{"linear":0.2,"angular":0.1}`)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	require.NoError(t, a.Client.Connect(context.Background()))
	resp = doRequest(t, http.MethodPost, srv.URL+"/cmd_vel", `{"linear":0.2,"angular":0.1}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	env := tr.conn(0).last()
	assert.Equal(t, "/cmd_vel", env.Topic)
	assert.JSONEq(t, `{"linear":{"x":0.2,"y":0,"z":0},"angular":{"x":0,"y":0,"z":0.1}}`, string(env.Msg))

	resp = doRequest(t, http.MethodPost, srv.URL+"/cmd_vel", `[1,2]`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRobot(t *testing.T) {
	a, tr := newTestApp(t, testConfig(t))
	srv := newTestServer(t, a, true)

	resp := doRequest(t, http.MethodGet, srv.URL+"/robot", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	require.NoError(t, a.Client.Connect(context.Background()))
	tr.conn(0).deliver("/robot_pose", `{"header":{"frame_id":"map"},"pose":{"position":{"x":0.25,"y":-0.75},"orientation":{"w":1}}}`)
	require.Eventually(t, func() bool {
		_, ok := a.State.Pose()
		return ok
	}, time.Second, 5*time.Millisecond)

	resp = doRequest(t, http.MethodGet, srv.URL+"/robot", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decodeBody[robotResponse](t, resp)
	assert.Equal(t, 0.25, got.X)
	assert.Equal(t, -0.75, got.Y)
	assert.Equal(t, 2, got.PX)
	assert.Equal(t, 2, got.PY)
	assert.True(t, got.OnMap)
}

func TestTopics(t *testing.T) {
	a, tr := newTestApp(t, testConfig(t))
	srv := newTestServer(t, a, false)
	require.NoError(t, a.Client.Connect(context.Background()))

	tr.conn(0).deliver("/battery", `{"percentage":0.9}`)
	require.Eventually(t, func() bool {
		_, ok := a.State.Message("/battery")
		return ok
	}, time.Second, 5*time.Millisecond)

	resp := doRequest(t, http.MethodGet, srv.URL+"/topics", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decodeBody[topicsResponse](t, resp)

	require.Len(t, got.Subscriptions, 2)
	assert.Equal(t, "/battery", got.Subscriptions[0].Topic)
	assert.True(t, got.Subscriptions[0].Active)
	assert.Equal(t, "/robot_pose", got.Subscriptions[1].Topic)

	require.Len(t, got.Messages, 1)
	assert.Equal(t, "/battery", got.Messages[0].Topic)
	assert.JSONEq(t, `{"percentage":0.9}`, string(got.Messages[0].Msg))
}
