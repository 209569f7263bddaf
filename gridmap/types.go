package gridmap

import (
	"fmt"
	"math"
	"sync/atomic"
)

// DecodeMode selects the cell domain produced by the raster decoder
type DecodeMode int

const (
	// ModeRaw keeps the raw grayscale intensity (0-255) of every pixel
	ModeRaw DecodeMode = iota
	// ModeTrinary classifies each pixel as unknown (-1), free (0) or occupied (100)
	ModeTrinary
)

// String returns the config name of the mode
func (m DecodeMode) String() string {
	switch m {
	case ModeRaw:
		return "raw"
	case ModeTrinary:
		return "trinary"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseDecodeMode maps a config value ("raw", "trinary") to a DecodeMode.
// An empty string selects ModeRaw.
func ParseDecodeMode(s string) (DecodeMode, error) {
	switch s {
	case "", "raw":
		return ModeRaw, nil
	case "trinary", "trinary-occupancy":
		return ModeTrinary, nil
	default:
		return ModeRaw, fmt.Errorf("unknown decode mode %q (want raw or trinary)", s)
	}
}

// Cell values
const (
	CellUnknown  = -1
	CellFree     = 0
	CellOccupied = 100

	// RawFree is the raw intensity of a free (white) pixel. Short payloads are padded with it.
	RawFree = 255
	// RawUnknown is the gray level map_server writes for unknown space
	RawUnknown = 205
)

// OccupancyRaster is an immutable width x height grid of cell values.
// Row 0 is the top row of the image.
type OccupancyRaster struct {
	width  int
	height int
	mode   DecodeMode
	cells  []int
}

// NewOccupancyRaster builds a raster from a copy of cells.
// len(cells) must equal width*height.
func NewOccupancyRaster(width, height int, mode DecodeMode, cells []int) (OccupancyRaster, error) {
	if width <= 0 || height <= 0 {
		return OccupancyRaster{}, fmt.Errorf("invalid raster size %dx%d", width, height)
	}
	if len(cells) != width*height {
		return OccupancyRaster{}, fmt.Errorf("raster %dx%d needs %d cells, got %d", width, height, width*height, len(cells))
	}
	c := make([]int, len(cells))
	copy(c, cells)
	return OccupancyRaster{width: width, height: height, mode: mode, cells: c}, nil
}

// filledRaster returns a width x height raster with every cell set to value
func filledRaster(width, height int, mode DecodeMode, value int) OccupancyRaster {
	cells := make([]int, width*height)
	for i := range cells {
		cells[i] = value
	}
	return OccupancyRaster{width: width, height: height, mode: mode, cells: cells}
}

// Width returns the number of columns
func (r OccupancyRaster) Width() int { return r.width }

// Height returns the number of rows
func (r OccupancyRaster) Height() int { return r.height }

// Mode returns the cell domain of the raster
func (r OccupancyRaster) Mode() DecodeMode { return r.mode }

// Len returns width*height
func (r OccupancyRaster) Len() int { return len(r.cells) }

// At returns the cell at column x, row y. ok is false outside the raster.
func (r OccupancyRaster) At(x, y int) (value int, ok bool) {
	if x < 0 || y < 0 || x >= r.width || y >= r.height {
		return 0, false
	}
	return r.cells[y*r.width+x], true
}

// Cells returns a copy of the cells in row-major storage order
func (r OccupancyRaster) Cells() []int {
	c := make([]int, len(r.cells))
	copy(c, r.cells)
	return c
}

// Equal reports whether both rasters have the same size, mode and cells
func (r OccupancyRaster) Equal(o OccupancyRaster) bool {
	if r.width != o.width || r.height != o.height || r.mode != o.mode || len(r.cells) != len(o.cells) {
		return false
	}
	for i := range r.cells {
		if r.cells[i] != o.cells[i] {
			return false
		}
	}
	return true
}

// Pose is a world-frame position and heading (radians)
type Pose struct {
	X     float64 `json:"x" yaml:"x"`
	Y     float64 `json:"y" yaml:"y"`
	Theta float64 `json:"theta" yaml:"theta"`
}

// Point represents a 2D world coordinate in meters
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// MapMetadata places a raster in the world frame
type MapMetadata struct {
	// Resolution is meters per pixel edge
	Resolution float64 `json:"resolution"`
	// Origin is the world pose of the bottom-left corner of the raster
	Origin Pose `json:"origin"`
}

// Validate checks that the metadata can be used for coordinate transforms
func (m MapMetadata) Validate() error {
	if !(m.Resolution > 0) || math.IsInf(m.Resolution, 1) {
		return fmt.Errorf("resolution must be a positive number, got %v", m.Resolution)
	}
	return nil
}

// DefaultMetadata is used when the metadata file does not provide a field
// and the caller did not supply its own defaults.
var DefaultMetadata = MapMetadata{Resolution: 0.05}

// OccupancyMap is an assembled raster plus its world placement.
// It is never mutated; loading a new map replaces it wholesale.
type OccupancyMap struct {
	raster   OccupancyRaster
	metadata MapMetadata
	report   Report
}

// Raster returns the occupancy grid
func (m *OccupancyMap) Raster() OccupancyRaster { return m.raster }

// Metadata returns resolution and origin
func (m *OccupancyMap) Metadata() MapMetadata { return m.metadata }

// Report describes how the map was assembled (degradations, fallbacks)
func (m *OccupancyMap) Report() Report { return m.report }

// Frame returns the coordinate frame of the map
func (m *OccupancyMap) Frame() Frame {
	return Frame{
		Width:      m.raster.width,
		Height:     m.raster.height,
		Resolution: m.metadata.Resolution,
		Origin:     m.metadata.Origin,
	}
}

// MapSummary is the JSON view of a loaded map
type MapSummary struct {
	Width      int      `json:"width"`
	Height     int      `json:"height"`
	Mode       string   `json:"mode"`
	Resolution float64  `json:"resolution"`
	Origin     Pose     `json:"origin"`
	Strategy   string   `json:"strategy"`
	Degraded   bool     `json:"degraded"`
	Reason     string   `json:"reason,omitempty"`
	Padded     int      `json:"padded,omitempty"`
	Truncated  int      `json:"truncated,omitempty"`
	Fallbacks  []string `json:"metadataFallbacks,omitempty"`
}

// Summarize extracts key information from a map
func Summarize(m *OccupancyMap) MapSummary {
	s := MapSummary{
		Width:      m.raster.width,
		Height:     m.raster.height,
		Mode:       m.raster.mode.String(),
		Resolution: m.metadata.Resolution,
		Origin:     m.metadata.Origin,
		Strategy:   m.report.Raster.Strategy,
		Degraded:   m.report.Raster.Degraded(),
		Padded:     m.report.Raster.Padded,
		Truncated:  m.report.Raster.Truncated,
		Fallbacks:  m.report.MetadataFallbacks,
	}
	if m.report.Raster.Reason != ReasonNone {
		s.Reason = m.report.Raster.Reason.String()
	}
	return s
}

// Holder keeps the current map. Readers never observe a partially built map.
type Holder struct {
	current atomic.Pointer[OccupancyMap]
}

// Load returns the current map or nil if none was loaded yet
func (h *Holder) Load() *OccupancyMap {
	return h.current.Load()
}

// Replace swaps in a new map and returns the previous one
func (h *Holder) Replace(m *OccupancyMap) *OccupancyMap {
	return h.current.Swap(m)
}
