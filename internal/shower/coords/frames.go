// Package coords holds the subarray description and the transforms between
// the horizontal (alt/az) frame, the nominal field-of-view plane and the
// tilted ground frame.
//
// Conventions: angles are radians. The horizontal unit vector of (alt, az) is
// (cos az cos alt, -sin az cos alt, sin alt). The nominal frame rotates the
// sky by Rz(az) then Ry(alt - pi/2) so that the pointing direction becomes
// +z, and a camera point (x, y) corresponds to the direction (-x, -y, 1).
package coords

import (
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

// Pointing is the array pointing direction.
type Pointing struct {
	Alt float64 `json:"alt"`
	Az  float64 `json:"az"`
}

// Direction returns the horizontal unit vector of (alt, az).
func Direction(alt, az float64) r3.Vec {
	return r3.Vec{
		X: math.Cos(az) * math.Cos(alt),
		Y: -math.Sin(az) * math.Cos(alt),
		Z: math.Sin(alt),
	}
}

// AltAz returns the altitude and azimuth of a (not necessarily unit) vector.
func AltAz(v r3.Vec) (alt, az float64) {
	n := r3.Norm(v)
	return math.Asin(v.Z / n), math.Atan2(-v.Y, v.X)
}

// AngularSeparation returns the angle in radians between two directions.
func AngularSeparation(alt1, az1, alt2, az2 float64) float64 {
	c := r3.Dot(Direction(alt1, az1), Direction(alt2, az2))
	return math.Acos(math.Max(-1, math.Min(1, c)))
}

// NominalFrame maps between horizontal directions and the field-of-view
// plane of the array pointing. It is immutable once built.
type NominalFrame struct {
	pointing Pointing
	rot      *mat.Dense
}

// NewNominalFrame builds the nominal frame for pointing p.
func NewNominalFrame(p Pointing) *NominalFrame {
	return &NominalFrame{pointing: p, rot: pointingRotation(p)}
}

func pointingRotation(p Pointing) *mat.Dense {
	ca, sa := math.Cos(p.Az), math.Sin(p.Az)
	rz := mat.NewDense(3, 3, []float64{
		ca, -sa, 0,
		sa, ca, 0,
		0, 0, 1,
	})
	b := p.Alt - math.Pi/2
	cb, sb := math.Cos(b), math.Sin(b)
	ry := mat.NewDense(3, 3, []float64{
		cb, 0, sb,
		0, 1, 0,
		-sb, 0, cb,
	})
	var r mat.Dense
	r.Mul(ry, rz)
	return &r
}

// Pointing returns the frame's pointing direction.
func (f *NominalFrame) Pointing() Pointing { return f.pointing }

func (f *NominalFrame) apply(v r3.Vec, transpose bool) r3.Vec {
	var m mat.Matrix = f.rot
	if transpose {
		m = f.rot.T()
	}
	var out mat.VecDense
	out.MulVec(m, mat.NewVecDense(3, []float64{v.X, v.Y, v.Z}))
	return r3.Vec{X: out.AtVec(0), Y: out.AtVec(1), Z: out.AtVec(2)}
}

// ToSky converts a field-of-view point to a horizontal direction.
func (f *NominalFrame) ToSky(x, y float64) (alt, az float64) {
	return AltAz(f.apply(r3.Vec{X: -x, Y: -y, Z: 1}, true))
}

// ToFieldOfView converts a horizontal direction to the field-of-view plane.
// ok is false when the direction lies behind the focal plane.
func (f *NominalFrame) ToFieldOfView(alt, az float64) (x, y float64, ok bool) {
	v := f.apply(Direction(alt, az), false)
	if v.Z <= 0 {
		return 0, 0, false
	}
	return -v.X / v.Z, -v.Y / v.Z, true
}

// ToTilted projects a ground position onto the tilted plane perpendicular
// to the pointing direction.
func (f *NominalFrame) ToTilted(p r3.Vec) (x, y float64) {
	t := f.apply(p, false)
	return t.X, t.Y
}

// FromTilted maps a point of the tilted plane back to ground coordinates.
// The result generally has a non-zero height.
func (f *NominalFrame) FromTilted(x, y float64) r3.Vec {
	return f.apply(r3.Vec{X: x, Y: y}, true)
}

// ProjectToGround moves p along dir until it reaches z = 0. A direction
// parallel to the ground leaves the horizontal position unchanged.
func ProjectToGround(p, dir r3.Vec) (x, y float64) {
	if math.Abs(dir.Z) < 1e-10 {
		return p.X, p.Y
	}
	t := -p.Z / dir.Z
	return p.X + t*dir.X, p.Y + t*dir.Y
}

// PointLineDistance returns the distance from p to the line through
// linePoint with direction dir.
func PointLineDistance(p, linePoint, dir r3.Vec) float64 {
	return r3.Norm(r3.Cross(r3.Sub(p, linePoint), dir)) / r3.Norm(dir)
}
