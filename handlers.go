package main

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kwv/navdash/bridge"
	"github.com/kwv/navdash/gridmap"
)

// maxRequestBytes bounds JSON request bodies
const maxRequestBytes = 1 << 20

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type healthStatus struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	HasMap    bool      `json:"hasMap"`
	Bridge    string    `json:"bridge"`
}

type goalRequest struct {
	PX    *float64 `json:"px"`
	PY    *float64 `json:"py"`
	Theta float64  `json:"theta"`
	Name  string   `json:"name"`
}

type goalResponse struct {
	Goal      gridmap.GoalPoint `json:"goal"`
	Published bool              `json:"published"`
}

type velocityRequest struct {
	Linear  float64 `json:"linear"`
	Angular float64 `json:"angular"`
}

type worldResponse struct {
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	InBounds bool    `json:"inBounds"`
}

type pixelResponse struct {
	PX       int  `json:"px"`
	PY       int  `json:"py"`
	InBounds bool `json:"inBounds"`
}

type robotResponse struct {
	RobotPose
	PX    int  `json:"px"`
	PY    int  `json:"py"`
	OnMap bool `json:"onMap"`
}

type topicsResponse struct {
	Subscriptions []bridge.Subscription `json:"subscriptions"`
	Messages      []TopicMessage        `json:"messages"`
}

// newHTTPServer creates the HTTP API for the dashboard
func newHTTPServer(a *App) http.Handler {
	h := &handler{app: a}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(h.logRequests)

	r.Get("/health", h.health)

	r.Route("/map", func(r chi.Router) {
		r.Get("/", h.getMap)
		r.Post("/reload", h.reloadMap)
		r.Get("/world", h.pixelToWorld)
		r.Get("/pixel", h.worldToPixel)
	})

	r.Route("/goals", func(r chi.Router) {
		r.Get("/", h.listGoals)
		r.Post("/", h.createGoal)
		r.Delete("/{id}", h.deleteGoal)
	})

	r.Post("/cmd_vel", h.sendVelocity)
	r.Get("/robot", h.robot)
	r.Get("/topics", h.topics)

	r.Handle("/metrics", promhttp.HandlerFor(a.Registry(), promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))

	return r
}

type handler struct {
	app *App
}

func (h *handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.app.logger.Debug("http request",
			"method", r.Method, "path", r.URL.Path, "status", ww.Status(),
			"remote", r.RemoteAddr, "took", time.Since(start))
	})
}

func (h *handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.app.logger.Error("encoding response", "err", err)
	}
}

func (h *handler) writeError(w http.ResponseWriter, status int, code, message string) {
	h.writeJSON(w, status, apiError{Code: code, Message: message})
}

func (h *handler) decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return false
	}
	return true
}

// currentMap returns the held map or writes 503
func (h *handler) currentMap(w http.ResponseWriter) *gridmap.OccupancyMap {
	m := h.app.Maps.Load()
	if m == nil {
		h.writeError(w, http.StatusServiceUnavailable, "no_map", ErrNoMap.Error())
	}
	return m
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, healthStatus{
		Status:    "ok",
		Timestamp: time.Now(),
		HasMap:    h.app.Maps.Load() != nil,
		Bridge:    h.app.Client.State().String(),
	})
}

func (h *handler) getMap(w http.ResponseWriter, r *http.Request) {
	m := h.currentMap(w)
	if m == nil {
		return
	}
	h.writeJSON(w, http.StatusOK, gridmap.Summarize(m))
}

func (h *handler) reloadMap(w http.ResponseWriter, r *http.Request) {
	m, err := h.app.ReloadMap(r.Context())
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, gridmap.ErrNotFound) {
			status = http.StatusNotFound
		}
		h.writeError(w, status, "reload_failed", err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, gridmap.Summarize(m))
}

func (h *handler) pixelToWorld(w http.ResponseWriter, r *http.Request) {
	px, py, ok := h.queryPair(w, r, "px", "py")
	if !ok {
		return
	}
	m := h.currentMap(w)
	if m == nil {
		return
	}
	f := m.Frame()
	p := f.PixelToWorld(px, py)
	h.writeJSON(w, http.StatusOK, worldResponse{
		X:        p.X,
		Y:        p.Y,
		InBounds: px >= 0 && py >= 0 && f.InBounds(int(px), int(py)),
	})
}

func (h *handler) worldToPixel(w http.ResponseWriter, r *http.Request) {
	x, y, ok := h.queryPair(w, r, "x", "y")
	if !ok {
		return
	}
	m := h.currentMap(w)
	if m == nil {
		return
	}
	f := m.Frame()
	px, py := f.WorldToPixel(x, y)
	h.writeJSON(w, http.StatusOK, pixelResponse{PX: px, PY: py, InBounds: f.InBounds(px, py)})
}

// queryPair parses two required finite float query parameters
func (h *handler) queryPair(w http.ResponseWriter, r *http.Request, a, b string) (float64, float64, bool) {
	q := r.URL.Query()
	var vals [2]float64
	for i, name := range []string{a, b} {
		v, err := strconv.ParseFloat(q.Get(name), 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			h.writeError(w, http.StatusBadRequest, "invalid_query", "query parameter "+name+" must be a finite number")
			return 0, 0, false
		}
		vals[i] = v
	}
	return vals[0], vals[1], true
}

func (h *handler) listGoals(w http.ResponseWriter, r *http.Request) {
	goals, err := h.app.Goals()
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "goal_store", err.Error())
		return
	}
	fc := gridmap.GoalsFeatureCollection(goals, h.app.Maps.Load())
	w.Header().Set("Content-Type", "application/geo+json")
	w.Header().Set("Cache-Control", "no-cache")
	if err := json.NewEncoder(w).Encode(fc); err != nil {
		h.app.logger.Error("encoding goals", "err", err)
	}
}

func (h *handler) createGoal(w http.ResponseWriter, r *http.Request) {
	var req goalRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	if req.PX == nil || req.PY == nil {
		h.writeError(w, http.StatusBadRequest, "invalid_body", "px and py are required")
		return
	}

	g, published, err := h.app.AddGoal(*req.PX, *req.PY, req.Theta, req.Name)
	switch {
	case errors.Is(err, ErrNoMap):
		h.writeError(w, http.StatusServiceUnavailable, "no_map", err.Error())
		return
	case errors.Is(err, gridmap.ErrOutOfBounds):
		h.writeError(w, http.StatusUnprocessableEntity, "out_of_bounds", err.Error())
		return
	case err != nil:
		h.writeError(w, http.StatusInternalServerError, "goal_store", err.Error())
		return
	}
	h.writeJSON(w, http.StatusCreated, goalResponse{Goal: g, Published: published})
}

func (h *handler) deleteGoal(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	found, err := h.app.DeleteGoal(id)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "goal_store", err.Error())
		return
	}
	if !found {
		h.writeError(w, http.StatusNotFound, "not_found", "no goal with id "+id)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) sendVelocity(w http.ResponseWriter, r *http.Request) {
	var req velocityRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	if err := h.app.SendVelocity(req.Linear, req.Angular); err != nil {
		h.writeError(w, http.StatusServiceUnavailable, "not_connected", err.Error())
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *handler) robot(w http.ResponseWriter, r *http.Request) {
	pose, ok := h.app.State.Pose()
	if !ok {
		h.writeError(w, http.StatusNotFound, "no_pose", "no robot pose received yet")
		return
	}
	resp := robotResponse{RobotPose: pose}
	if m := h.app.Maps.Load(); m != nil {
		f := m.Frame()
		resp.PX, resp.PY = f.WorldToPixel(pose.X, pose.Y)
		resp.OnMap = f.InBounds(resp.PX, resp.PY)
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *handler) topics(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, topicsResponse{
		Subscriptions: h.app.Client.Subscriptions(),
		Messages:      h.app.State.Messages(),
	})
}
