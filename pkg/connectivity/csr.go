package connectivity

import "sort"

// CSR is a square 0/1 sparse matrix in compressed-row form. Row i holds the
// column indices Indices[Indptr[i]:Indptr[i+1]] in increasing order.
type CSR struct {
	N       int
	Indptr  []int
	Indices []int
}

// NewCSRFromUpper builds a symmetric CSR from upper-triangle coordinates
// (rows[k] <= cols[k]). Each off-diagonal entry is mirrored.
func NewCSRFromUpper(n int, rows, cols []int32) *CSR {
	counts := make([]int, n+1)
	for k := range rows {
		counts[rows[k]+1]++
		if rows[k] != cols[k] {
			counts[cols[k]+1]++
		}
	}
	for i := 0; i < n; i++ {
		counts[i+1] += counts[i]
	}
	indices := make([]int, counts[n])
	next := make([]int, n)
	copy(next, counts[:n])
	for k := range rows {
		i, j := int(rows[k]), int(cols[k])
		indices[next[i]] = j
		next[i]++
		if i != j {
			indices[next[j]] = i
			next[j]++
		}
	}
	for i := 0; i < n; i++ {
		sort.Ints(indices[counts[i]:counts[i+1]])
	}
	return &CSR{N: n, Indptr: counts, Indices: indices}
}

// Neighbors returns the column indices set in row i. The slice aliases the
// matrix and must not be modified.
func (m *CSR) Neighbors(i int) []int {
	return m.Indices[m.Indptr[i]:m.Indptr[i+1]]
}

// At reports whether entry (i, j) is set.
func (m *CSR) At(i, j int) bool {
	row := m.Neighbors(i)
	k := sort.SearchInts(row, j)
	return k < len(row) && row[k] == j
}

// NNZ is the number of stored entries.
func (m *CSR) NNZ() int {
	return len(m.Indices)
}

// IsSymmetric checks At(i, j) == At(j, i) for every stored entry.
func (m *CSR) IsSymmetric() bool {
	for i := 0; i < m.N; i++ {
		for _, j := range m.Neighbors(i) {
			if !m.At(j, i) {
				return false
			}
		}
	}
	return true
}
