package gridmap

import (
	"github.com/charmbracelet/log"
)

// Report records everything that went less than perfectly while assembling a map
type Report struct {
	Raster RasterReport `json:"raster"`
	// MetadataErr is set when the metadata bytes were not text; all fields then come from defaults
	MetadataErr error `json:"-"`
	// MetadataFallbacks lists metadata fields taken from defaults
	MetadataFallbacks []string `json:"metadataFallbacks,omitempty"`
}

// AssemblerOption configures an Assembler.
type AssemblerOption func(*Assembler)

// WithMode sets the raster cell domain (default ModeRaw).
func WithMode(mode DecodeMode) AssemblerOption {
	return func(a *Assembler) {
		a.mode = mode
	}
}

// WithThresholds sets the trinary occupancy thresholds.
func WithThresholds(t Thresholds) AssemblerOption {
	return func(a *Assembler) {
		a.thresholds = t
	}
}

// WithDefaults sets the metadata used for fields the metadata file does not provide.
func WithDefaults(m MapMetadata) AssemblerOption {
	return func(a *Assembler) {
		a.defaults = m
	}
}

// WithLogger sets the logger used to report degradations.
func WithLogger(l *log.Logger) AssemblerOption {
	return func(a *Assembler) {
		a.logger = l
	}
}

// Assembler combines a decoded raster and decoded metadata into an OccupancyMap.
// It is the only place where the two decoders meet.
type Assembler struct {
	mode       DecodeMode
	thresholds Thresholds
	defaults   MapMetadata
	logger     *log.Logger
	raster     *RasterDecoder
}

// NewAssembler creates an assembler
func NewAssembler(opts ...AssemblerOption) *Assembler {
	a := &Assembler{
		mode:       ModeRaw,
		thresholds: DefaultThresholds,
		defaults:   DefaultMetadata,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = log.Default().WithPrefix("gridmap")
	}
	if a.defaults.Validate() != nil {
		a.logger.Warn("invalid default metadata, using built-in defaults", "resolution", a.defaults.Resolution)
		a.defaults.Resolution = DefaultMetadata.Resolution
	}
	a.raster = NewRasterDecoder(a.mode, a.thresholds)
	return a
}

// Defaults returns the metadata used for missing fields
func (a *Assembler) Defaults() MapMetadata { return a.defaults }

// Assemble decodes both inputs and returns a new map. It never fails: a
// corrupt raster becomes the placeholder and unusable metadata falls back to
// the defaults. Both are recorded in the map's Report.
func (a *Assembler) Assemble(rasterBytes, metaBytes []byte) *OccupancyMap {
	raster, rr := a.raster.DecodeWithReport(rasterBytes)
	report := Report{Raster: rr}

	if rr.Placeholder() {
		a.logger.Warn("raster undecodable, using placeholder",
			"reason", rr.Reason, "bytes", len(rasterBytes), "size", PlaceholderSize)
	} else if rr.Degraded() {
		a.logger.Warn("raster degraded",
			"strategy", rr.Strategy, "reason", rr.Reason, "padded", rr.Padded, "truncated", rr.Truncated)
	}

	meta := a.defaults
	partial, err := DecodeMetadata(metaBytes)
	if err != nil {
		report.MetadataErr = err
		report.MetadataFallbacks = []string{"resolution", "origin"}
		a.logger.Warn("metadata undecodable, using defaults", "err", err)
	} else {
		meta, report.MetadataFallbacks = partial.WithDefaults(a.defaults)
		if len(report.MetadataFallbacks) > 0 {
			a.logger.Info("metadata fields defaulted", "fields", report.MetadataFallbacks)
		}
	}
	for _, f := range report.MetadataFallbacks {
		metadataFallbacks.WithLabelValues(f).Inc()
	}

	a.logger.Debug("map assembled",
		"width", raster.Width(), "height", raster.Height(),
		"resolution", meta.Resolution, "origin", meta.Origin)

	return &OccupancyMap{raster: raster, metadata: meta, report: report}
}
