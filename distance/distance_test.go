package distance

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSquaredL2(t *testing.T) {
	tests := []struct {
		name     string
		a, b     []float32
		expected float32
	}{
		{"Simple", []float32{1, 2, 3}, []float32{4, 5, 6}, 27},
		{"Zero", []float32{0, 0, 0}, []float32{0, 0, 0}, 0},
		{"Identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 0},
		{"Mixed", []float32{1, -1}, []float32{-1, 1}, 8},
		{"Empty", []float32{}, []float32{}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SquaredL2(tt.a, tt.b)
			assert.InDelta(t, tt.expected, got, 1e-5)
		})
	}
}

func TestWeightedSquaredL2(t *testing.T) {
	tests := []struct {
		name     string
		a, b, w  []float32
		expected float32
	}{
		{"UnitWeights", []float32{1, 2}, []float32{3, 4}, []float32{1, 1}, 8},
		{"ZeroWeightMasks", []float32{1, 2}, []float32{9, 4}, []float32{0, 1}, 4},
		// Weight applies inside the square: (2 * 3)^2 = 36.
		{"WeightInsideSquare", []float32{3}, []float32{0}, []float32{2}, 36},
		{"Empty", []float32{}, []float32{}, []float32{}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := WeightedSquaredL2(tt.a, tt.b, tt.w)
			assert.InDelta(t, tt.expected, got, 1e-5)
		})
	}
}

func TestDot(t *testing.T) {
	tests := []struct {
		name     string
		a, b     []float32
		expected float32
	}{
		{"Simple", []float32{1, 2, 3}, []float32{4, 5, 6}, 32},
		{"Mixed", []float32{1, -1, 2}, []float32{1, 1, -2}, -4},
		{"Empty", []float32{}, []float32{}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Dot(tt.a, tt.b)
			assert.InDelta(t, tt.expected, got, 1e-5)
		})
	}
}
