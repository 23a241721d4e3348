package reduction

import (
	"fmt"
	"os"

	"gonum.org/v1/gonum/mat"

	"capcluster/pkg/serialize"
)

// storedPCA is the on-disk form of a PCAModel.
type storedPCA struct {
	Rows, Cols int
	Components []float64
	Mean       []float64
	Variance   []float64
	Ratio      []float64
}

// SaveModel writes a fitted PCA so later runs can apply it unchanged.
func SaveModel(m *PCAModel, path string) error {
	r, c := m.Components.Dims()
	s := storedPCA{
		Rows:       r,
		Cols:       c,
		Components: mat.DenseCopyOf(m.Components).RawMatrix().Data,
		Mean:       m.Mean,
		Variance:   m.ExplainedVariance,
		Ratio:      m.ExplainedVarianceRatio,
	}
	data, err := serialize.Serialize(s, serialize.Snappy, serialize.CRC32)
	if err != nil {
		return fmt.Errorf("error encoding PCA model: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("error writing PCA model: %w", err)
	}
	return nil
}

// LoadModel reads a model written by SaveModel.
func LoadModel(path string) (*PCAModel, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading PCA model: %w", err)
	}
	var s storedPCA
	if err := serialize.Deserialize(data, &s); err != nil {
		return nil, fmt.Errorf("error decoding PCA model %s: %w", path, err)
	}
	if len(s.Components) != s.Rows*s.Cols || len(s.Mean) != s.Cols {
		return nil, fmt.Errorf("PCA model %s is inconsistent", path)
	}
	return &PCAModel{
		Components:             mat.NewDense(s.Rows, s.Cols, s.Components),
		Mean:                   s.Mean,
		ExplainedVariance:      s.Variance,
		ExplainedVarianceRatio: s.Ratio,
	}, nil
}
