package dl1

import "math"

// Frame identifies the coordinate frame of the Hillas centroid and axes.
type Frame string

const (
	// FrameFieldOfView means x, y, length, width and r are angles in radians
	// on the nominal (array pointing) field-of-view plane.
	FrameFieldOfView Frame = ""
	// FrameCamera means x, y, length, width and r are metres on the camera
	// focal plane and must be divided by the focal length before use.
	FrameCamera Frame = "camera"
)

// HillasParameters are the second-moment ellipse descriptors of one image.
type HillasParameters struct {
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Length    float64 `json:"length"`
	Width     float64 `json:"width"`
	Psi       float64 `json:"psi"` // major axis orientation, radians
	Phi       float64 `json:"phi"` // polar angle of the centroid, radians
	R         float64 `json:"r"`
	Intensity float64 `json:"intensity"` // photo-electrons
	Skewness  float64 `json:"skewness"`
	Kurtosis  float64 `json:"kurtosis"`
}

// LeakageParameters are the fractions of pixels and intensity in the
// outermost one and two camera rings.
type LeakageParameters struct {
	PixelsWidth1    float64 `json:"pixels_width_1"`
	PixelsWidth2    float64 `json:"pixels_width_2"`
	IntensityWidth1 float64 `json:"intensity_width_1"`
	IntensityWidth2 float64 `json:"intensity_width_2"`
}

// ConcentrationParameters hold the intensity concentration ratios.
type ConcentrationParameters struct {
	COG   float64 `json:"cog"`
	Core  float64 `json:"core"`
	Pixel float64 `json:"pixel"`
}

// MorphologyParameters count surviving pixels and islands by size class.
type MorphologyParameters struct {
	NPixels        int `json:"n_pixels"`
	NIslands       int `json:"n_islands"`
	NSmallIslands  int `json:"n_small_islands"`
	NMediumIslands int `json:"n_medium_islands"`
	NLargeIslands  int `json:"n_large_islands"`
}

// IntensityParameters summarise the pixel intensity distribution.
type IntensityParameters struct {
	Max      float64 `json:"max"`
	Mean     float64 `json:"mean"`
	Std      float64 `json:"std"`
	Skewness float64 `json:"skewness"`
	Kurtosis float64 `json:"kurtosis"`
}

// ImageParameters bundles every descriptor computed for one cleaned image.
type ImageParameters struct {
	Hillas        HillasParameters        `json:"hillas"`
	Leakage       LeakageParameters       `json:"leakage"`
	Concentration ConcentrationParameters `json:"concentration"`
	Morphology    MorphologyParameters    `json:"morphology"`
	Intensity     IntensityParameters     `json:"intensity"`

	// Miss is the per-image uncertainty proxy used as the lever arm of the
	// weighted geometric fit. Non-positive values make the image unusable
	// for that fit.
	Miss float64 `json:"miss"`
}

// TelescopeDescriptor is the input record of one triggered telescope.
type TelescopeDescriptor struct {
	TelID int             `json:"tel_id"`
	Frame Frame           `json:"frame,omitempty"`
	Image ImageParameters `json:"image"`

	// ImpactParameter is the distance in metres from the shower core to the
	// telescope as estimated by an upstream stage (or simulation truth).
	ImpactParameter float64 `json:"impact_parameter"`
}

// InFieldOfView returns a copy of the descriptor expressed on the
// field-of-view plane. Descriptors already in that frame are returned as a
// plain copy. focalLength is in metres.
func (d TelescopeDescriptor) InFieldOfView(focalLength float64) TelescopeDescriptor {
	if d.Frame != FrameCamera || focalLength <= 0 {
		d.Frame = FrameFieldOfView
		return d
	}
	h := &d.Image.Hillas
	h.X = math.Atan2(h.X, focalLength)
	h.Y = math.Atan2(h.Y, focalLength)
	h.Length /= focalLength
	h.Width /= focalLength
	h.R = math.Hypot(h.X, h.Y)
	d.Image.Miss /= focalLength
	d.Frame = FrameFieldOfView
	return d
}

// ImageCuts is a per-reconstructor quality selection. Zero-valued fields
// disable the corresponding cut.
type ImageCuts struct {
	MinIntensity              float64 `json:"min_intensity,omitempty" yaml:"min_intensity,omitempty"`
	MaxLeakageIntensityWidth2 float64 `json:"max_leakage_intensity_width_2,omitempty" yaml:"max_leakage_intensity_width_2,omitempty"`
	MinNPixels                int     `json:"min_n_pixels,omitempty" yaml:"min_n_pixels,omitempty"`
}

// Pass reports whether the image survives every enabled cut.
func (c ImageCuts) Pass(p ImageParameters) bool {
	if c.MinIntensity > 0 && p.Hillas.Intensity < c.MinIntensity {
		return false
	}
	if c.MaxLeakageIntensityWidth2 > 0 && p.Leakage.IntensityWidth2 >= c.MaxLeakageIntensityWidth2 {
		return false
	}
	if c.MinNPixels > 0 && p.Morphology.NPixels < c.MinNPixels {
		return false
	}
	return true
}
