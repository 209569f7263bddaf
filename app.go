package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/kwv/navdash/bridge"
	"github.com/kwv/navdash/gridmap"
)

var (
	// ErrNoMap is returned when an operation needs a map and none is loaded
	ErrNoMap = errors.New("no map loaded")
	// ErrNotConnected is returned when a command cannot reach the bridge
	ErrNotConnected = errors.New("bridge not connected")
)

const shutdownTimeout = 5 * time.Second

// App encapsulates the application state and dependencies
type App struct {
	Config *Config
	State  *StateTracker
	Maps   *gridmap.Holder
	Client *bridge.Client

	logger    *log.Logger
	assembler *gridmap.Assembler
	source    gridmap.Source
	goals     gridmap.GoalStore
	goalsMu   sync.Mutex
	registry  *prometheus.Registry
	topicOnce sync.Once
}

// AppOption configures an App
type AppOption func(*appOptions)

type appOptions struct {
	transport bridge.Transport
	source    gridmap.Source
	goals     gridmap.GoalStore
}

// WithTransport replaces the transport built from the bridge config
func WithTransport(t bridge.Transport) AppOption {
	return func(o *appOptions) { o.transport = t }
}

// WithSource replaces the map source built from the map config
func WithSource(s gridmap.Source) AppOption {
	return func(o *appOptions) { o.source = s }
}

// WithGoalStore replaces the in-memory goal store
func WithGoalStore(s gridmap.GoalStore) AppOption {
	return func(o *appOptions) { o.goals = s }
}

// NewApp wires the map pipeline, the bridge client and the metrics registry
func NewApp(cfg *Config, logger *log.Logger, opts ...AppOption) (*App, error) {
	var o appOptions
	for _, opt := range opts {
		opt(&o)
	}
	if logger == nil {
		logger = log.Default()
	}

	a := &App{
		Config:   cfg,
		State:    NewStateTracker(),
		Maps:     &gridmap.Holder{},
		logger:   logger,
		registry: prometheus.NewRegistry(),
	}

	a.assembler = gridmap.NewAssembler(append(cfg.assemblerOptions(),
		gridmap.WithLogger(logger.WithPrefix("map")))...)

	a.source = o.source
	if a.source == nil {
		src, err := gridmap.NewSource(cfg.Map.Source, cfg.fetchOptions()...)
		if err != nil {
			return nil, fmt.Errorf("map source: %w", err)
		}
		a.source = src
	}

	a.goals = o.goals
	if a.goals == nil {
		a.goals = a.State
	}

	transport := o.transport
	if transport == nil {
		var err error
		if transport, err = newTransport(cfg.Bridge, logger); err != nil {
			return nil, err
		}
	}
	maxAttempts := bridge.DefaultMaxReconnectAttempts
	if cfg.Bridge.MaxReconnectAttempts != nil {
		maxAttempts = *cfg.Bridge.MaxReconnectAttempts
	}
	a.Client = bridge.NewClient(transport,
		bridge.WithLogger(logger.WithPrefix("bridge")),
		bridge.WithReconnectInterval(cfg.Bridge.ReconnectInterval),
		bridge.WithMaxReconnectAttempts(maxAttempts),
		bridge.WithDialTimeout(cfg.Bridge.DialTimeout),
	)
	// Live topics are restored by the client after a reconnect, so they
	// only need registering on the first connection.
	a.Client.OnConnection(func() { a.topicOnce.Do(a.registerTopics) })

	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if err := gridmap.RegisterMetrics(a.registry); err != nil {
		return nil, fmt.Errorf("registering map metrics: %w", err)
	}
	if err := bridge.RegisterMetrics(a.registry); err != nil {
		return nil, fmt.Errorf("registering bridge metrics: %w", err)
	}

	return a, nil
}

// newTransport builds the transport selected in cfg
func newTransport(cfg BridgeConfig, logger *log.Logger) (bridge.Transport, error) {
	switch cfg.Transport {
	case TransportWebSocket, "":
		return bridge.NewWebSocketTransport(cfg.URL,
			bridge.WithTransportLogger(logger.WithPrefix("websocket"))), nil
	case TransportMQTT:
		return bridge.NewMQTTTransport(bridge.MQTTOptions{
			Broker:      cfg.MQTT.Broker,
			ClientID:    cfg.MQTT.ClientID,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			QoS:         cfg.MQTT.QoS,
		}, logger.WithPrefix("mqtt")), nil
	default:
		return nil, fmt.Errorf("unknown bridge transport %q", cfg.Transport)
	}
}

// Registry returns the metrics registry served on /metrics
func (a *App) Registry() *prometheus.Registry {
	return a.registry
}

// ReloadMap fetches and assembles the configured map and swaps it in
func (a *App) ReloadMap(ctx context.Context) (*gridmap.OccupancyMap, error) {
	m, err := gridmap.LoadMap(ctx, a.source, a.assembler, a.Config.Map.Raster, a.Config.Map.Metadata)
	if err != nil {
		return nil, fmt.Errorf("loading map %s: %w", a.Config.Map.Raster, err)
	}
	a.Maps.Replace(m)

	s := gridmap.Summarize(m)
	a.logger.Info("map loaded",
		"raster", a.Config.Map.Raster, "width", s.Width, "height", s.Height,
		"resolution", s.Resolution, "strategy", s.Strategy, "degraded", s.Degraded)
	return m, nil
}

// registerTopics advertises the command topics and subscribes to the
// configured telemetry topics
func (a *App) registerTopics() {
	t := a.Config.Topics
	a.Client.Advertise(t.Goal, bridge.TypePoseStamped)
	a.Client.Advertise(t.CmdVel, bridge.TypeTwist)

	for _, s := range t.Subscriptions {
		topic, msgType := s.Topic, s.Type
		a.Client.Subscribe(topic, msgType, func(msg json.RawMessage) {
			a.State.RecordMessage(topic, msgType, msg)
		})
	}
	if t.Pose != "" {
		a.Client.Subscribe(t.Pose, t.PoseType, a.handlePose)
	}
}

// handlePose records the latest robot pose from a PoseStamped or Odometry message
func (a *App) handlePose(msg json.RawMessage) {
	t := a.Config.Topics
	a.State.RecordMessage(t.Pose, t.PoseType, msg)

	var header bridge.Header
	var pose bridge.Pose
	switch t.PoseType {
	case bridge.TypeOdometry:
		var odom bridge.Odometry
		if err := json.Unmarshal(msg, &odom); err != nil {
			a.logger.Debug("ignoring undecodable odometry", "topic", t.Pose, "err", err)
			return
		}
		header, pose = odom.Header, odom.Pose.Pose
	default:
		var ps bridge.PoseStamped
		if err := json.Unmarshal(msg, &ps); err != nil {
			a.logger.Debug("ignoring undecodable pose", "topic", t.Pose, "err", err)
			return
		}
		header, pose = ps.Header, ps.Pose
	}

	a.State.UpdatePose(RobotPose{
		FrameID:   header.FrameID,
		X:         pose.Position.X,
		Y:         pose.Position.Y,
		Theta:     pose.Orientation.Yaw(),
		Timestamp: header.Stamp.Time(),
	})
}

// AddGoal places a goal at raster pixel (px, py), stores it and publishes it
// as a PoseStamped when the bridge is connected
func (a *App) AddGoal(px, py, theta float64, name string) (gridmap.GoalPoint, bool, error) {
	m := a.Maps.Load()
	if m == nil {
		return gridmap.GoalPoint{}, false, ErrNoMap
	}
	g, err := gridmap.GoalAtPixel(m, px, py, theta, name, "dashboard")
	if err != nil {
		return gridmap.GoalPoint{}, false, err
	}

	a.goalsMu.Lock()
	goals, err := a.goals.Load()
	if err == nil {
		err = a.goals.Save(append(goals, g))
	}
	a.goalsMu.Unlock()
	if err != nil {
		return gridmap.GoalPoint{}, false, fmt.Errorf("storing goal: %w", err)
	}

	published := a.Client.IsConnected()
	a.Client.Publish(a.Config.Topics.Goal, bridge.TypePoseStamped,
		bridge.NewPoseStamped(a.Config.Topics.FrameID, g.X, g.Y, g.Theta, g.Timestamp))
	a.logger.Info("goal placed", "id", g.ID, "name", name, "x", g.X, "y", g.Y, "published", published)
	return g, published, nil
}

// Goals returns the stored goals
func (a *App) Goals() ([]gridmap.GoalPoint, error) {
	return a.goals.Load()
}

// DeleteGoal removes the goal with id and reports whether it existed
func (a *App) DeleteGoal(id string) (bool, error) {
	a.goalsMu.Lock()
	defer a.goalsMu.Unlock()

	goals, err := a.goals.Load()
	if err != nil {
		return false, err
	}
	kept := goals[:0]
	for _, g := range goals {
		if g.ID != id {
			kept = append(kept, g)
		}
	}
	if len(kept) == len(goals) {
		return false, nil
	}
	return true, a.goals.Save(kept)
}

// SendVelocity publishes a Twist on the cmd_vel topic
func (a *App) SendVelocity(linear, angular float64) error {
	if !a.Client.IsConnected() {
		return ErrNotConnected
	}
	a.Client.Publish(a.Config.Topics.CmdVel, bridge.TypeTwist, bridge.NewTwist(linear, angular))
	return nil
}

// superviseBridge connects the client and reconnects it whenever the client
// has given up, until ctx is done
func (a *App) superviseBridge(ctx context.Context) error {
	interval := a.Config.Bridge.ReconnectInterval
	for {
		if a.Client.State() == bridge.Disconnected {
			if err := a.Client.Connect(ctx); err != nil && ctx.Err() == nil {
				a.logger.Warn("bridge unavailable, retrying", "in", interval, "err", err)
			}
		}

		select {
		case <-ctx.Done():
			a.Client.Disconnect()
			return nil
		case <-time.After(interval):
		}
	}
}

// Run loads the map, serves the HTTP API and keeps the bridge connected
// until ctx is canceled
func (a *App) Run(ctx context.Context) error {
	if _, err := a.ReloadMap(ctx); err != nil {
		a.logger.Warn("initial map load failed, serving without a map", "err", err)
	}

	srv := &http.Server{
		Addr:              a.Config.HTTP.Addr,
		Handler:           newHTTPServer(a),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.logger.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		return a.superviseBridge(gctx)
	})

	err := g.Wait()
	a.logger.Info("service stopped")
	return err
}
