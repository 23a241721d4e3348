// Package output names and writes the artifacts of a clustering run.
package output

import "strings"

// MethodTag describes the transforms that produced a result. Its Name is
// embedded in every output file name.
type MethodTag struct {
	Scaler    string // "robust", "standard" or empty
	Normalize bool
	Reduction string // "pca", "ica" or empty
	Algorithm string
	// Suffix is the requested cluster count, or the discovered count for
	// density-based algorithms.
	Suffix string
}

// Name joins the used parts with "_", for example "robust_normalize_pca_kmeans_8".
func (t MethodTag) Name() string {
	var parts []string
	if t.Scaler != "" && t.Scaler != "none" {
		parts = append(parts, t.Scaler)
	}
	if t.Normalize {
		parts = append(parts, "normalize")
	}
	if t.Reduction != "" && t.Reduction != "none" {
		parts = append(parts, t.Reduction)
	}
	for _, p := range []string{t.Algorithm, t.Suffix} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, "_")
}
