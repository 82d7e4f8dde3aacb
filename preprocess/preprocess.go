// Package preprocess rewrites a search index into a comparison domain where
// squared Euclidean distance is meaningful across features with different
// units and magnitudes.
package preprocess

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/hupe1980/posematch/searchindex"
)

// Mode selects the preprocessing applied to the feature table.
type Mode uint8

const (
	// ModeNone stores raw values with an identity transform.
	ModeNone Mode = iota

	// ModeNormalize mean-centers the table and scales each feature by the
	// reciprocal of its mean absolute deviation. Mean deviation is preferred
	// over standard deviation because squaring distances from the mean
	// overweights outliers.
	ModeNormalize

	// ModeSphere applies ZCA-correlation whitening on top of the mean
	// deviation scaling, so post-transform Euclidean distance approximates
	// Mahalanobis distance on the original features.
	ModeSphere
)

func (m Mode) String() string {
	switch m {
	case ModeNone:
		return "None"
	case ModeNormalize:
		return "Normalize"
	case ModeSphere:
		return "Sphere"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(m))
	}
}

// Feature deviations this small are treated as constant and left unscaled.
const minMeanDeviation = 1e-4

const regularization = 1e-7

// Apply preprocesses the index in place: Values is rewritten into the
// comparison domain and PreprocessInfo is filled with the matching forward
// and inverse transforms.
func Apply(mode Mode, idx *searchindex.Index) error {
	if !idx.IsValid() {
		return fmt.Errorf("preprocess: invalid index")
	}

	n := idx.Schema.Layout.NumFloats
	if mode == ModeNone || idx.NumPoses == 0 {
		idx.PreprocessInfo.SetIdentity(n)
		return nil
	}

	numPoses := idx.NumPoses

	// Column-major working copy: one column per pose.
	x := mat.NewDense(n, numPoses, nil)
	for p := 0; p < numPoses; p++ {
		row := idx.PoseValues(p)
		for d := 0; d < n; d++ {
			x.Set(d, p, float64(row[d]))
		}
	}

	mean := make([]float64, n)
	for d := 0; d < n; d++ {
		sum := 0.0
		for p := 0; p < numPoses; p++ {
			sum += x.At(d, p)
		}
		mean[d] = sum / float64(numPoses)
		for p := 0; p < numPoses; p++ {
			x.Set(d, p, x.At(d, p)-mean[d])
		}
	}

	dev := meanDeviations(idx, x)

	switch mode {
	case ModeNormalize:
		applyNormalize(idx, x, mean, dev)
	case ModeSphere:
		if err := applySphere(idx, x, mean, dev); err != nil {
			return err
		}
	default:
		return fmt.Errorf("preprocess: unsupported mode %s", mode)
	}

	if !idx.PreprocessInfo.IsValid() {
		return fmt.Errorf("preprocess: produced invalid transform")
	}
	return nil
}

// meanDeviations computes, for every feature of the layout, the mean
// Euclidean norm of that feature's block across all centered poses. All
// float axes of a feature share one deviation. Near-constant features keep a
// deviation of 1 so they pass through unscaled.
func meanDeviations(idx *searchindex.Index, centered *mat.Dense) []float64 {
	n := idx.Schema.Layout.NumFloats
	_, numPoses := centered.Dims()

	dev := make([]float64, n)
	for i := range dev {
		dev[i] = 1
	}

	for _, f := range idx.Schema.Layout.Features {
		width := f.Type.NumFloats()
		sum := 0.0
		for p := 0; p < numPoses; p++ {
			normSq := 0.0
			for a := 0; a < width; a++ {
				v := centered.At(f.ValueOffset+a, p)
				normSq += v * v
			}
			sum += math.Sqrt(normSq)
		}
		featureDev := sum / float64(numPoses)
		if featureDev <= minMeanDeviation {
			featureDev = 1
		}
		for a := 0; a < width; a++ {
			dev[f.ValueOffset+a] = featureDev
		}
	}
	return dev
}

func applyNormalize(idx *searchindex.Index, centered *mat.Dense, mean, dev []float64) {
	n := idx.Schema.Layout.NumFloats

	info := &idx.PreprocessInfo
	info.SetIdentity(n)
	for d := 0; d < n; d++ {
		info.Transform[d*n+d] = float32(1 / dev[d])
		info.InverseTransform[d*n+d] = float32(dev[d])
		info.SampleMean[d] = float32(mean[d])
	}

	for p := 0; p < idx.NumPoses; p++ {
		row := idx.PoseValues(p)
		for d := 0; d < n; d++ {
			row[d] = float32(centered.At(d, p) / dev[d])
		}
	}
}

func applySphere(idx *searchindex.Index, centered *mat.Dense, mean, dev []float64) error {
	n := idx.Schema.Layout.NumFloats
	numPoses := idx.NumPoses

	// Scale the centered matrix by the reciprocal feature deviations before
	// estimating correlations.
	xn := mat.NewDense(n, numPoses, nil)
	for d := 0; d < n; d++ {
		for p := 0; p < numPoses; p++ {
			xn.Set(d, p, centered.At(d, p)/dev[d])
		}
	}

	// Covariance C = (1/P) Xn Xn^T + eps I, then correlation via
	// D^-1/2 C D^-1/2 with D = diag(C).
	var cov mat.Dense
	cov.Mul(xn, xn.T())
	cov.Scale(1/float64(numPoses), &cov)
	for d := 0; d < n; d++ {
		cov.Set(d, d, cov.At(d, d)+regularization)
	}

	corr := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			corr.SetSym(i, j, cov.At(i, j)/math.Sqrt(cov.At(i, i)*cov.At(j, j)))
		}
	}

	var es mat.EigenSym
	if !es.Factorize(corr, true) {
		return fmt.Errorf("preprocess: correlation eigendecomposition failed")
	}
	eigenvalues := es.Values(nil)
	var vectors mat.Dense
	es.VectorsTo(&vectors)

	// The solver yields ascending eigenvalues; reorder the pairs descending.
	for i := 0; i < n-1; i++ {
		maxIdx := i
		for j := i + 1; j < n; j++ {
			if eigenvalues[j] > eigenvalues[maxIdx] {
				maxIdx = j
			}
		}
		if maxIdx != i {
			eigenvalues[i], eigenvalues[maxIdx] = eigenvalues[maxIdx], eigenvalues[i]
			for r := 0; r < n; r++ {
				vi, vm := vectors.At(r, i), vectors.At(r, maxIdx)
				vectors.Set(r, i, vm)
				vectors.Set(r, maxIdx, vi)
			}
		}
	}
	for i := range eigenvalues {
		eigenvalues[i] += regularization
	}

	// ZCA = V diag(lambda)^-1/2 V^T diag(dev)^-1 and its exact inverse
	// diag(dev) V diag(lambda)^1/2 V^T.
	scaledDown := mat.NewDense(n, n, nil)
	scaledUp := mat.NewDense(n, n, nil)
	for c := 0; c < n; c++ {
		invSqrt := 1 / math.Sqrt(eigenvalues[c])
		sqrt := math.Sqrt(eigenvalues[c])
		for r := 0; r < n; r++ {
			scaledDown.Set(r, c, vectors.At(r, c)*invSqrt)
			scaledUp.Set(r, c, vectors.At(r, c)*sqrt)
		}
	}

	var forward, inverse mat.Dense
	forward.Mul(scaledDown, vectors.T())
	inverse.Mul(scaledUp, vectors.T())

	info := &idx.PreprocessInfo
	info.SetIdentity(n)
	for r := 0; r < n; r++ {
		for c := 0; c < n; c++ {
			info.Transform[r*n+c] = float32(forward.At(r, c) / dev[c])
			info.InverseTransform[r*n+c] = float32(dev[r] * inverse.At(r, c))
		}
		info.SampleMean[r] = float32(mean[r])
	}

	// Rewrite the table as forward * deviation-scaled centered values, which
	// equals Transform applied to the raw rows.
	var whitened mat.Dense
	whitened.Mul(&forward, xn)
	for p := 0; p < numPoses; p++ {
		row := idx.PoseValues(p)
		for d := 0; d < n; d++ {
			row[d] = float32(whitened.At(d, p))
		}
	}
	return nil
}
