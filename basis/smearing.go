package basis

import "math"

// DefaultSlitPoints is the number of quadrature points per slit axis.
const DefaultSlitPoints = 21

// Smearing selects how a design-matrix row is evaluated at a data q. The set
// of implementations is closed: NoSmearing and SlitSmearing.
type Smearing interface {
	fill(f Family, q float64, dst []float64)
	// Smeared reports whether the variant alters the point transform.
	Smeared() bool
}

// NoSmearing evaluates the ideal point transform.
type NoSmearing struct{}

func (NoSmearing) fill(f Family, q float64, dst []float64) { f.transformRow(q, dst) }

// Smeared implements Smearing.
func (NoSmearing) Smeared() bool { return false }

// SlitSmearing averages the transform over a rectangular slit profile
// following Lake, Acta Cryst. (1967) 23, 191. Height and Width are in units
// of q. Points is the grid size per non-zero axis (DefaultSlitPoints when < 2).
type SlitSmearing struct {
	Height float64
	Width  float64
	Points int
}

// Smeared implements Smearing.
func (s SlitSmearing) Smeared() bool { return s.Height > 0 || s.Width > 0 }

func (s SlitSmearing) fill(f Family, q float64, dst []float64) {
	if !s.Smeared() {
		f.transformRow(q, dst)
		return
	}
	npts := s.Points
	if npts < 2 {
		npts = DefaultSlitPoints
	}
	nh, nw := 1, 1
	if s.Height > 0 {
		nh = npts
	}
	if s.Width > 0 {
		nw = npts
	}
	step := float64(npts - 1)

	for j := range dst {
		dst[j] = 0
	}
	tmp := make([]float64, len(dst))
	count := 0.0
	for j := 0; j < nh; j++ {
		z := 0.0
		if s.Height > 0 {
			z = s.Height / step * float64(j)
		}
		for i := 0; i < nw; i++ {
			y := 0.0
			if s.Width > 0 {
				y = -s.Width/2 + s.Width/step*float64(i)
			}
			qq := (q-y)*(q-y) + z*z
			if qq <= 0 {
				continue
			}
			f.transformRow(math.Sqrt(qq), tmp)
			for k, v := range tmp {
				dst[k] += v
			}
			count++
		}
	}
	if count == 0 {
		f.transformRow(q, dst)
		return
	}
	for k := range dst {
		dst[k] /= count
	}
}

// SmearedTransform returns the slit-smeared Phi_n(q).
func (f Family) SmearedTransform(n int, q float64, s Smearing) float64 {
	mustTerm(n)
	if s == nil {
		s = NoSmearing{}
	}
	row := make([]float64, n)
	s.fill(f, q, row)
	return row[n-1]
}
