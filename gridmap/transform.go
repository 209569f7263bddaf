package gridmap

import (
	"math"

	"github.com/paulmach/orb"
)

// Frame is everything needed to convert between raster pixels and world
// coordinates. Pixel row 0 is the top row in storage order; world Y grows
// upward while the row index grows downward.
type Frame struct {
	Width      int
	Height     int
	Resolution float64
	Origin     Pose
}

// PixelToWorld converts a pixel position to world meters:
// wx = origin.x + px*resolution
// wy = origin.y + (height - py)*resolution
func (f Frame) PixelToWorld(px, py float64) Point {
	return Point{
		X: f.Origin.X + px*f.Resolution,
		Y: f.Origin.Y + (float64(f.Height)-py)*f.Resolution,
	}
}

// WorldToPixel converts world meters to the pixel containing them:
// px = floor((wx - origin.x)/resolution)
// py = floor(height - (wy - origin.y)/resolution)
func (f Frame) WorldToPixel(wx, wy float64) (px, py int) {
	px = int(math.Floor((wx - f.Origin.X) / f.Resolution))
	py = int(math.Floor(float64(f.Height) - (wy-f.Origin.Y)/f.Resolution))
	return px, py
}

// InBounds reports whether the pixel lies inside the raster
func (f Frame) InBounds(px, py int) bool {
	return px >= 0 && py >= 0 && px < f.Width && py < f.Height
}

// WorldBounds returns the world-frame rectangle covered by the raster.
// Origin rotation is ignored, matching the transform above.
func (f Frame) WorldBounds() orb.Bound {
	return orb.Bound{
		Min: orb.Point{f.Origin.X, f.Origin.Y},
		Max: orb.Point{
			f.Origin.X + float64(f.Width)*f.Resolution,
			f.Origin.Y + float64(f.Height)*f.Resolution,
		},
	}
}

// ContainsWorld reports whether a world point falls on a raster pixel
func (f Frame) ContainsWorld(wx, wy float64) bool {
	px, py := f.WorldToPixel(wx, wy)
	return f.InBounds(px, py)
}

// PixelCenterToWorld returns the world position of the center of a pixel
func (f Frame) PixelCenterToWorld(px, py int) Point {
	return f.PixelToWorld(float64(px)+0.5, float64(py)+0.5)
}
