package gridmap

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// ErrOutOfBounds is returned when a goal is placed outside the raster
var ErrOutOfBounds = errors.New("position is outside the map")

// GoalPoint is a navigation goal in world coordinates. Goals are owned by
// an external GoalStore; this package only reads X, Y and Theta.
type GoalPoint struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	X         float64   `json:"x"`
	Y         float64   `json:"y"`
	Theta     float64   `json:"theta"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
}

// GoalStore is the external waypoint store
type GoalStore interface {
	Load() ([]GoalPoint, error)
	Save(goals []GoalPoint) error
}

// GoalAtPixel turns a click on the raster into a goal. The pixel must lie
// inside the map.
func GoalAtPixel(m *OccupancyMap, px, py float64, theta float64, name, source string) (GoalPoint, error) {
	f := m.Frame()
	ix, iy := int(px), int(py)
	if px < 0 || py < 0 || !f.InBounds(ix, iy) {
		return GoalPoint{}, fmt.Errorf("pixel (%.1f, %.1f) on %dx%d map: %w", px, py, f.Width, f.Height, ErrOutOfBounds)
	}
	w := f.PixelToWorld(px, py)
	return GoalPoint{
		ID:        uuid.NewString(),
		Name:      name,
		X:         w.X,
		Y:         w.Y,
		Theta:     theta,
		Timestamp: time.Now().UTC(),
		Source:    source,
	}, nil
}

// GoalPixel returns the pixel holding a goal and whether it lies on the map
func GoalPixel(m *OccupancyMap, g GoalPoint) (px, py int, ok bool) {
	f := m.Frame()
	px, py = f.WorldToPixel(g.X, g.Y)
	return px, py, f.InBounds(px, py)
}

// GoalsFeatureCollection exports goals as GeoJSON points in world meters.
// When m is non-nil the map footprint is added as a polygon feature.
func GoalsFeatureCollection(goals []GoalPoint, m *OccupancyMap) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	if m != nil {
		b := m.Frame().WorldBounds()
		footprint := geojson.NewFeature(b.ToPolygon())
		footprint.Properties["kind"] = "map"
		footprint.Properties["resolution"] = m.Metadata().Resolution
		fc.Append(footprint)
	}
	for _, g := range goals {
		f := geojson.NewFeature(orb.Point{g.X, g.Y})
		f.ID = g.ID
		f.Properties["kind"] = "goal"
		f.Properties["name"] = g.Name
		f.Properties["theta"] = g.Theta
		f.Properties["source"] = g.Source
		f.Properties["timestamp"] = g.Timestamp.Format(time.RFC3339)
		fc.Append(f)
	}
	return fc
}
