package output

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
	"gopkg.in/yaml.v3"

	"capcluster/internal/models"
	"capcluster/pkg/nifti"
)

// Writer places artifacts at <root>_<tag>_<name>.
type Writer struct {
	Root string
	Tag  MethodTag
	Log  logrus.FieldLogger

	written []string
}

// NewWriter creates the directory of root if needed.
func NewWriter(root string, tag MethodTag, log logrus.FieldLogger) (*Writer, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if dir := filepath.Dir(root); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("error creating output directory: %w", err)
		}
	}
	return &Writer{Root: root, Tag: tag, Log: log}, nil
}

// Path returns the file name for an artifact.
func (w *Writer) Path(name string) string {
	if tag := w.Tag.Name(); tag != "" {
		return w.Root + "_" + tag + "_" + name
	}
	return w.Root + "_" + name
}

// Written lists the files produced so far, in order.
func (w *Writer) Written() []string {
	return append([]string(nil), w.written...)
}

func (w *Writer) done(path string) {
	w.written = append(w.written, path)
	w.Log.WithField("file", path).Debug("Wrote output")
}

// WriteLabels writes the label volume as <prefix>_labels.nii.gz.
func (w *Writer) WriteLabels(vol *models.LabelVolume) (string, error) {
	path := w.Path("labels.nii.gz")
	if err := nifti.WriteLabels(path, vol); err != nil {
		return "", err
	}
	w.done(path)
	return path, nil
}

// WriteVolume writes a diagnostic volume such as "pca_reduced".
func (w *Writer) WriteVolume(name string, vol *models.Volume) (string, error) {
	path := w.Path(name + ".nii.gz")
	if err := nifti.Write(path, vol); err != nil {
		return "", err
	}
	w.done(path)
	return path, nil
}

// WriteMatrix writes m as a tab-separated table, transposed when asked.
func (w *Writer) WriteMatrix(name string, m mat.Matrix, transpose bool) (string, error) {
	if transpose {
		m = m.T()
	}
	r, c := m.Dims()
	rows := make([][]float64, r)
	for i := range rows {
		rows[i] = make([]float64, c)
		for j := range rows[i] {
			rows[i][j] = m.At(i, j)
		}
	}
	return w.writeTable(name, nil, rows)
}

// WriteExplainedVariance writes one line per component: absolute variance
// and percentage of the total.
func (w *Writer) WriteExplainedVariance(name string, variance, ratio []float64) (string, error) {
	rows := make([][]float64, len(variance))
	for i := range variance {
		rows[i] = []float64{variance[i], 100 * ratio[i]}
	}
	return w.writeTable(name, nil, rows)
}

// WriteCenters writes the k-means centers of every repeat, one block per
// repeat with a leading repeat column.
func (w *Writer) WriteCenters(centers []*mat.Dense) (string, error) {
	var rows [][]float64
	for r, m := range centers {
		k, f := m.Dims()
		for c := 0; c < k; c++ {
			row := make([]float64, 0, f+2)
			row = append(row, float64(r), float64(c+1))
			row = append(row, m.RawRowView(c)...)
			rows = append(rows, row)
		}
	}
	return w.writeTable("centers.txt", []string{"repeat", "cluster", "center..."}, rows)
}

// WriteScores writes the per-repeat quality table.
func (w *Writer) WriteScores(seeds []int64, scores, inertia []float64) (string, error) {
	rows := make([][]float64, len(scores))
	for r := range scores {
		rows[r] = []float64{float64(r), float64(seeds[r]), scores[r], inertia[r]}
	}
	return w.writeTable("scores.txt", []string{"repeat", "seed", "davies_bouldin", "inertia"}, rows)
}

func (w *Writer) writeTable(name string, header []string, rows [][]float64) (string, error) {
	path := w.Path(name)
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	cw := csv.NewWriter(f)
	cw.Comma = '\t'
	if header != nil {
		header = append([]string(nil), header...)
		header[0] = "# " + header[0]
		if err := cw.Write(header); err != nil {
			f.Close()
			return "", err
		}
	}
	record := []string{}
	for _, row := range rows {
		record = record[:0]
		for _, v := range row {
			record = append(record, strconv.FormatFloat(v, 'g', -1, 64))
		}
		if err := cw.Write(record); err != nil {
			f.Close()
			return "", err
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		f.Close()
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	w.done(path)
	return path, nil
}

// Invocation is the record of how a run was started.
type Invocation struct {
	RunID   string    `yaml:"runId"`
	Started time.Time `yaml:"started"`
	Command []string  `yaml:"command"`
	Tag     string    `yaml:"tag"`

	// Seed is the resolved base seed, never 0
	Seed        int64                  `yaml:"seed"`
	Diagnostics map[string]interface{} `yaml:"diagnostics,omitempty"`
	Config      interface{}            `yaml:"config"`
}

// NewInvocation stamps a record with a fresh run id.
func NewInvocation(argv []string, cfg interface{}) Invocation {
	return Invocation{
		RunID:   uuid.NewString(),
		Started: time.Now().UTC(),
		Command: argv,
		Config:  cfg,
	}
}

// WriteInvocation writes inv as YAML to <prefix>_invocation.txt.
func (w *Writer) WriteInvocation(inv Invocation) (string, error) {
	inv.Tag = w.Tag.Name()
	data, err := yaml.Marshal(inv)
	if err != nil {
		return "", fmt.Errorf("error marshaling invocation: %w", err)
	}
	path := w.Path("invocation.txt")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", err
	}
	w.done(path)
	return path, nil
}
