package gridmap

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

const (
	// MinHeaderSize is the length of the shortest legal header ("P5\n1 1\n1\n").
	// Anything shorter is rejected before parsing.
	MinHeaderSize = 9

	// MaxCells bounds width*height so a hostile header cannot force a huge allocation
	MaxCells = 1 << 26

	// PlaceholderSize is the width and height of the grid returned when decoding fails
	PlaceholderSize = 100

	markerBinary = "P5"
	markerPlain  = "P2"
)

// Strategy names reported in RasterReport.Strategy
const (
	StrategyBinary      = "binary-pgm"
	StrategyPlain       = "plain-pgm"
	StrategyPlaceholder = "placeholder"
)

// Reason is the side-channel code explaining why a raster was degraded
type Reason int

const (
	ReasonNone Reason = iota
	ReasonTooShort
	ReasonBadMarker
	ReasonTruncatedHeader
	ReasonBadDimensions
	ReasonBadMaxval
	ReasonUnsupportedMaxval
	ReasonTooLarge
)

var reasonNames = map[Reason]string{
	ReasonNone:              "none",
	ReasonTooShort:          "too_short",
	ReasonBadMarker:         "bad_marker",
	ReasonTruncatedHeader:   "truncated_header",
	ReasonBadDimensions:     "bad_dimensions",
	ReasonBadMaxval:         "bad_maxval",
	ReasonUnsupportedMaxval: "unsupported_maxval",
	ReasonTooLarge:          "too_large",
}

func (r Reason) String() string {
	if s, ok := reasonNames[r]; ok {
		return s
	}
	return "reason(" + strconv.Itoa(int(r)) + ")"
}

// RasterReport describes how a raster was produced
type RasterReport struct {
	// Strategy is the name of the strategy whose output was returned
	Strategy string `json:"strategy"`
	// Reason is ReasonNone when a decoding strategy succeeded. For the
	// placeholder it is the most specific failure: a strategy that matched the
	// marker and then failed wins over a plain marker mismatch.
	Reason Reason `json:"-"`
	// Padded counts cells filled with the pad value because the payload was short
	Padded int `json:"padded,omitempty"`
	// Truncated counts payload samples beyond width*height that were ignored
	Truncated int `json:"truncated,omitempty"`
}

// Degraded is true when the raster is not a faithful decode of the input
func (r RasterReport) Degraded() bool {
	return r.Reason != ReasonNone || r.Padded > 0
}

// Placeholder is true when decoding was irrecoverable
func (r RasterReport) Placeholder() bool {
	return r.Strategy == StrategyPlaceholder
}

// Thresholds are the map_server occupancy thresholds used in ModeTrinary
type Thresholds struct {
	Occupied float64 `yaml:"occupied" toml:"occupied"`
	Free     float64 `yaml:"free" toml:"free"`
	Negate   bool    `yaml:"negate" toml:"negate"`
}

// DefaultThresholds matches the map_server defaults
var DefaultThresholds = Thresholds{Occupied: 0.65, Free: 0.196}

// PadValue is the cell value used for missing payload bytes.
// Raw mode pads with free space; trinary mode pads with unknown.
func PadValue(mode DecodeMode) int {
	if mode == ModeTrinary {
		return CellUnknown
	}
	return RawFree
}

// UnknownValue is the cell value of the placeholder grid
func UnknownValue(mode DecodeMode) int {
	if mode == ModeTrinary {
		return CellUnknown
	}
	return RawUnknown
}

// Placeholder returns the fixed grid used when decoding is irrecoverable
func Placeholder(mode DecodeMode) OccupancyRaster {
	return filledRaster(PlaceholderSize, PlaceholderSize, mode, UnknownValue(mode))
}

// rasterResult is the outcome of one successful strategy
type rasterResult struct {
	raster    OccupancyRaster
	padded    int
	truncated int
}

// rasterStrategy is a pure decode attempt. A non-None reason means the
// strategy could not handle the input and the next one is tried.
type rasterStrategy struct {
	name   string
	decode func(data []byte) (rasterResult, Reason)
}

// RasterDecoder turns PGM bytes into an OccupancyRaster. It never fails:
// strategies are tried in order and the last one returns the placeholder.
// A RasterDecoder holds no mutable state and is safe for concurrent use.
type RasterDecoder struct {
	mode       DecodeMode
	thresholds Thresholds
	strategies []rasterStrategy
}

// NewRasterDecoder creates a decoder for the given cell domain
func NewRasterDecoder(mode DecodeMode, thresholds Thresholds) *RasterDecoder {
	d := &RasterDecoder{mode: mode, thresholds: thresholds}
	d.strategies = []rasterStrategy{
		{name: StrategyBinary, decode: d.decodeBinary},
		{name: StrategyPlain, decode: d.decodePlain},
		{name: StrategyPlaceholder, decode: d.decodePlaceholder},
	}
	return d
}

// Mode returns the cell domain the decoder produces
func (d *RasterDecoder) Mode() DecodeMode { return d.mode }

// Decode returns the decoded raster, or the placeholder on failure
func (d *RasterDecoder) Decode(data []byte) OccupancyRaster {
	r, _ := d.DecodeWithReport(data)
	return r
}

// DecodeWithReport is Decode plus the degradation report
func (d *RasterDecoder) DecodeWithReport(data []byte) (OccupancyRaster, RasterReport) {
	var report RasterReport

	if len(data) < MinHeaderSize {
		report.Strategy = StrategyPlaceholder
		report.Reason = ReasonTooShort
		observeRaster(report)
		return Placeholder(d.mode), report
	}

	for _, s := range d.strategies {
		res, reason := s.decode(data)
		if reason != ReasonNone {
			if report.Reason == ReasonNone || report.Reason == ReasonBadMarker {
				report.Reason = reason
			}
			continue
		}
		report.Strategy = s.name
		if s.name != StrategyPlaceholder {
			report.Reason = ReasonNone
		}
		report.Padded = res.padded
		report.Truncated = res.truncated
		observeRaster(report)
		return res.raster, report
	}

	// The placeholder strategy cannot fail; this only guards a misconfigured chain.
	report.Strategy = StrategyPlaceholder
	observeRaster(report)
	return Placeholder(d.mode), report
}

func (d *RasterDecoder) decodeBinary(data []byte) (rasterResult, Reason) {
	h, reason := parseHeader(data, markerBinary)
	if reason != ReasonNone {
		return rasterResult{}, reason
	}

	expected := h.width * h.height
	payload := data[h.dataOffset:]

	cells := make([]int, expected)
	n := min(len(payload), expected)
	for i := 0; i < n; i++ {
		cells[i] = d.classify(int(payload[i]), h.maxval)
	}
	pad := PadValue(d.mode)
	for i := n; i < expected; i++ {
		cells[i] = pad
	}

	return rasterResult{
		raster:    OccupancyRaster{width: h.width, height: h.height, mode: d.mode, cells: cells},
		padded:    expected - n,
		truncated: max(len(payload)-expected, 0),
	}, ReasonNone
}

func (d *RasterDecoder) decodePlain(data []byte) (rasterResult, Reason) {
	h, reason := parseHeader(data, markerPlain)
	if reason != ReasonNone {
		return rasterResult{}, reason
	}

	expected := h.width * h.height
	// Plain files may put samples on the maxval line, so tokenize from the start.
	tokens := plainTokens(data)
	if len(tokens) < 4 {
		return rasterResult{}, ReasonTruncatedHeader
	}
	samples := tokens[4:]

	cells := make([]int, expected)
	n := 0
	for n < expected && n < len(samples) {
		v, err := strconv.Atoi(samples[n])
		if err != nil || v < 0 || v > h.maxval {
			// A corrupt sample ends the payload; the rest is padded.
			break
		}
		cells[n] = d.classify(v, h.maxval)
		n++
	}
	pad := PadValue(d.mode)
	for i := n; i < expected; i++ {
		cells[i] = pad
	}

	return rasterResult{
		raster:    OccupancyRaster{width: h.width, height: h.height, mode: d.mode, cells: cells},
		padded:    expected - n,
		truncated: max(len(samples)-expected, 0),
	}, ReasonNone
}

// plainTokens splits a plain PGM into whitespace separated tokens, dropping comments
func plainTokens(data []byte) []string {
	var tokens []string
	for _, line := range strings.Split(string(data), "\n") {
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		tokens = append(tokens, strings.Fields(line)...)
	}
	return tokens
}

func (d *RasterDecoder) decodePlaceholder([]byte) (rasterResult, Reason) {
	return rasterResult{raster: Placeholder(d.mode)}, ReasonNone
}

// classify maps a raw sample to the decoder's cell domain
func (d *RasterDecoder) classify(v, maxval int) int {
	if d.mode != ModeTrinary {
		return v
	}
	var p float64
	if d.thresholds.Negate {
		p = float64(v) / float64(maxval)
	} else {
		p = float64(maxval-v) / float64(maxval)
	}
	switch {
	case p > d.thresholds.Occupied:
		return CellOccupied
	case p < d.thresholds.Free:
		return CellFree
	default:
		return CellUnknown
	}
}

// pgmHeader is the parsed netpbm header
type pgmHeader struct {
	width      int
	height     int
	maxval     int
	dataOffset int
}

// parseHeader reads marker, width, height and maxval from the leading text
// of data. Comments start with '#'. The header ends at the end of the line
// holding maxval or at the first binary byte, whichever comes first.
func parseHeader(data []byte, marker string) (pgmHeader, Reason) {
	var tokens []string
	pos := 0
	offset := -1

	for pos < len(data) && offset < 0 {
		end := pos
		binaryAt := -1
		for end < len(data) && data[end] != '\n' {
			if isBinary(data[end]) {
				binaryAt = end
				break
			}
			end++
		}

		line := string(data[pos:end])
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		for _, f := range strings.Fields(line) {
			if len(tokens) < 4 {
				tokens = append(tokens, f)
			}
		}
		if len(tokens) > 0 && tokens[0] != marker {
			return pgmHeader{}, ReasonBadMarker
		}

		switch {
		case binaryAt >= 0:
			if len(tokens) < 4 {
				return pgmHeader{}, headerShortReason(tokens)
			}
			offset = binaryAt
		case end < len(data):
			pos = end + 1
			if len(tokens) == 4 {
				offset = pos
			}
		default:
			pos = end
			if len(tokens) == 4 {
				offset = pos
			}
		}
	}

	if offset < 0 {
		return pgmHeader{}, headerShortReason(tokens)
	}

	width, errW := strconv.Atoi(tokens[1])
	height, errH := strconv.Atoi(tokens[2])
	if errW != nil || errH != nil || width <= 0 || height <= 0 {
		return pgmHeader{}, ReasonBadDimensions
	}
	if width > MaxCells/height {
		return pgmHeader{}, ReasonTooLarge
	}
	maxval, err := strconv.Atoi(tokens[3])
	if err != nil || maxval <= 0 {
		return pgmHeader{}, ReasonBadMaxval
	}
	if maxval > 255 {
		return pgmHeader{}, ReasonUnsupportedMaxval
	}

	return pgmHeader{width: width, height: height, maxval: maxval, dataOffset: offset}, ReasonNone
}

func headerShortReason(tokens []string) Reason {
	if len(tokens) == 0 {
		return ReasonBadMarker
	}
	return ReasonTruncatedHeader
}

// isBinary reports whether b cannot appear in the textual header
func isBinary(b byte) bool {
	if b == '\t' || b == '\r' || b == '\n' {
		return false
	}
	return b < 0x20 || b > 0x7e
}

// EncodePGM writes r as a binary PGM (P5) file with the given maxval.
// Trinary rasters are written with the map_server colors (free 254,
// occupied 0, unknown 205) and maxval 255.
func EncodePGM(r OccupancyRaster, maxval int) ([]byte, error) {
	if r.width <= 0 || r.height <= 0 {
		return nil, fmt.Errorf("encode pgm: empty raster")
	}
	if r.mode == ModeTrinary {
		maxval = 255
	}
	if maxval <= 0 || maxval > 255 {
		return nil, fmt.Errorf("encode pgm: maxval %d out of range 1..255", maxval)
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s\n%d %d\n%d\n", markerBinary, r.width, r.height, maxval)
	for i, v := range r.cells {
		if r.mode == ModeTrinary {
			switch v {
			case CellFree:
				v = 254
			case CellOccupied:
				v = 0
			default:
				v = RawUnknown
			}
		}
		if v < 0 || v > maxval {
			return nil, fmt.Errorf("encode pgm: cell %d value %d out of range 0..%d", i, v, maxval)
		}
		buf.WriteByte(byte(v))
	}
	return buf.Bytes(), nil
}
