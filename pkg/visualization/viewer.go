package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"

	"capcluster/internal/models"
)

// Viewer renders slices of one frame of a label volume. Label 0 (excluded
// or noise) is drawn black, cluster ids cycle through a fixed palette.
type Viewer struct {
	labels []int32

	// dimensions of the volume
	width  int
	height int
	depth  int
}

// palette holds evenly spaced hues so neighbouring ids stay distinguishable.
var palette = buildPalette(24)

func buildPalette(n int) []color.RGBA {
	colors := make([]color.RGBA, n)
	for i := range colors {
		// Stride through the hue circle so consecutive ids are far apart.
		h := math.Mod(float64(i)*7/float64(n), 1)
		r, g, b := hsv(h, 0.85, 0.95)
		colors[i] = color.RGBA{R: r, G: g, B: b, A: 255}
	}
	return colors
}

func hsv(h, s, v float64) (uint8, uint8, uint8) {
	i := math.Floor(h * 6)
	f := h*6 - i
	p, q, t := v*(1-s), v*(1-f*s), v*(1-(1-f)*s)
	var r, g, b float64
	switch int(i) % 6 {
	case 0:
		r, g, b = v, t, p
	case 1:
		r, g, b = q, v, p
	case 2:
		r, g, b = p, v, t
	case 3:
		r, g, b = p, q, v
	case 4:
		r, g, b = t, p, v
	default:
		r, g, b = v, p, q
	}
	return uint8(r * 255), uint8(g * 255), uint8(b * 255)
}

// LabelColor returns the display colour of a label.
func LabelColor(label int32) color.RGBA {
	if label <= 0 {
		return color.RGBA{A: 255}
	}
	return palette[int(label-1)%len(palette)]
}

// NewViewer creates a viewer over frame of vol.
func NewViewer(vol *models.LabelVolume, frame int) (*Viewer, error) {
	if frame < 0 || frame >= vol.Dims.T {
		return nil, fmt.Errorf("frame %d outside [0, %d)", frame, vol.Dims.T)
	}
	n := vol.Dims.NumVoxels()
	return &Viewer{
		labels: vol.Data[frame*n : (frame+1)*n],
		width:  vol.Dims.X,
		height: vol.Dims.Y,
		depth:  vol.Dims.Z,
	}, nil
}

// ExtractSlice extracts a 2D slice from the 3D volume along the specified axis
func (v *Viewer) ExtractSlice(axis string, position int) (image.Image, error) {
	if position < 0 {
		return nil, fmt.Errorf("position must be non-negative")
	}

	var img *image.RGBA

	switch axis {
	case "x", "X":
		// Extract slice along YZ plane
		if position >= v.width {
			return nil, fmt.Errorf("position %d exceeds width %d", position, v.width)
		}
		img = image.NewRGBA(image.Rect(0, 0, v.depth, v.height))
		for y := 0; y < v.height; y++ {
			for z := 0; z < v.depth; z++ {
				img.SetRGBA(z, y, LabelColor(v.labels[z*v.width*v.height+y*v.width+position]))
			}
		}

	case "y", "Y":
		// Extract slice along XZ plane
		if position >= v.height {
			return nil, fmt.Errorf("position %d exceeds height %d", position, v.height)
		}
		img = image.NewRGBA(image.Rect(0, 0, v.width, v.depth))
		for z := 0; z < v.depth; z++ {
			for x := 0; x < v.width; x++ {
				img.SetRGBA(x, z, LabelColor(v.labels[z*v.width*v.height+position*v.width+x]))
			}
		}

	case "z", "Z":
		// Extract slice along XY plane
		if position >= v.depth {
			return nil, fmt.Errorf("position %d exceeds depth %d", position, v.depth)
		}
		img = image.NewRGBA(image.Rect(0, 0, v.width, v.height))
		for y := 0; y < v.height; y++ {
			for x := 0; x < v.width; x++ {
				img.SetRGBA(x, y, LabelColor(v.labels[position*v.width*v.height+y*v.width+x]))
			}
		}

	default:
		return nil, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	return img, nil
}

// SaveSlice saves an extracted slice as a PNG image
func (v *Viewer) SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	if err := png.Encode(file, img); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// SaveSliceSequence extracts and saves every slice along the specified axis
// and returns the file names written.
func (v *Viewer) SaveSliceSequence(axis string, outputDir, prefix string) ([]string, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, err
	}

	var maxPos int
	switch axis {
	case "x", "X":
		maxPos = v.width
	case "y", "Y":
		maxPos = v.height
	case "z", "Z":
		maxPos = v.depth
	default:
		return nil, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	var files []string
	for pos := 0; pos < maxPos; pos++ {
		img, err := v.ExtractSlice(axis, pos)
		if err != nil {
			return files, err
		}

		filename := filepath.Join(outputDir, fmt.Sprintf("%sslice_%s_%03d.png", prefix, axis, pos))
		if err := v.SaveSlice(img, filename); err != nil {
			return files, err
		}
		files = append(files, filename)
	}

	return files, nil
}
