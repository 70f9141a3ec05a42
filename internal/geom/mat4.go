// Package geom computes the 4x4 texture-coordinate transforms used by the
// render passes. Matrices are column-major: element (row r, col c) lives at
// index c*4+r, matching what the GPU expects for a mat4 uniform.
package geom

import "math"

// Mat4 is a column-major 4x4 matrix.
type Mat4 [16]float32

// Identity returns the identity matrix.
func Identity() Mat4 {
	var m Mat4
	m[0], m[5], m[10], m[15] = 1, 1, 1, 1
	return m
}

// Multiply returns a*b.
func Multiply(a, b Mat4) Mat4 {
	var out Mat4
	for c := 0; c < 4; c++ {
		for r := 0; r < 4; r++ {
			var sum float32
			for k := 0; k < 4; k++ {
				sum += a[k*4+r] * b[c*4+k]
			}
			out[c*4+r] = sum
		}
	}
	return out
}

// Rotate returns a counter-clockwise rotation about the z axis.
func Rotate(degrees float32) Mat4 {
	m := Identity()
	rad := float64(degrees) * math.Pi / 180
	c, s := float32(math.Cos(rad)), float32(math.Sin(rad))
	m[0], m[4] = c, -s
	m[1], m[5] = s, c
	return m
}

// Scale returns a 2D scale.
func Scale(sx, sy float32) Mat4 {
	m := Identity()
	m[0], m[5] = sx, sy
	return m
}

// Translate returns a 2D translation.
func Translate(tx, ty float32) Mat4 {
	m := Identity()
	m[12], m[13] = tx, ty
	return m
}

// Apply transforms the point (x, y, 0, 1) and returns its x and y.
func (m Mat4) Apply(x, y float32) (float32, float32) {
	return m[0]*x + m[4]*y + m[12], m[1]*x + m[5]*y + m[13]
}

// AroundCenter composes the optional steps about the texture centre
// (0.5, 0.5): flip Y, mirror X, scale, rotate. Each step left-multiplies
// the running result, so the effective order on a coordinate is
// translate(-0.5), flip, mirror, scale, rotate, translate(+0.5).
func AroundCenter(scaleX, scaleY, rotateDeg float32, mirror, flipY bool) Mat4 {
	out := Translate(-0.5, -0.5)
	if flipY {
		out = Multiply(Scale(1, -1), out)
	}
	if mirror {
		out = Multiply(Scale(-1, 1), out)
	}
	if scaleX != 1 || scaleY != 1 {
		out = Multiply(Scale(scaleX, scaleY), out)
	}
	if int(rotateDeg) != 0 {
		out = Multiply(Rotate(rotateDeg), out)
	}
	return Multiply(Translate(0.5, 0.5), out)
}
