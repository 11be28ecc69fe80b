package seriesio

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"dcemri/internal/models"
)

const (
	rawHeaderFile = "series.yaml"
	rawDataFile   = "series.bin"
	rawFormat     = "float64le"
)

// rawHeader describes the binary blob written next to it
type rawHeader struct {
	Format      string             `yaml:"format"`
	Frames      int                `yaml:"frames"`
	Depth       int                `yaml:"depth"`
	Height      int                `yaml:"height"`
	Width       int                `yaml:"width"`
	Timeline    []float64          `yaml:"timeline"`
	Spacing     models.Spacing     `yaml:"spacing"`
	PatientID   string             `yaml:"patientId,omitempty"`
	Acquisition models.Acquisition `yaml:"acquisition"`
}

// SaveRawSeries writes s into dir as a YAML header and a little-endian
// float64 blob in frame, slice, row, column order
func SaveRawSeries(s *models.Series, dir string) error {
	if err := s.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create series directory: %w", err)
	}

	h := rawHeader{
		Format:      rawFormat,
		Frames:      s.Frames,
		Depth:       s.Depth,
		Height:      s.Height,
		Width:       s.Width,
		Timeline:    s.Timeline,
		Spacing:     s.Spacing,
		PatientID:   s.PatientID,
		Acquisition: s.Acquisition,
	}
	header, err := yaml.Marshal(&h)
	if err != nil {
		return fmt.Errorf("failed to marshal series header: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, rawHeaderFile), header, 0644); err != nil {
		return fmt.Errorf("failed to write series header: %w", err)
	}

	file, err := os.Create(filepath.Join(dir, rawDataFile))
	if err != nil {
		return fmt.Errorf("failed to create series data: %w", err)
	}
	w := bufio.NewWriter(file)
	if err := binary.Write(w, binary.LittleEndian, s.Data); err != nil {
		file.Close()
		return fmt.Errorf("failed to write series data: %w", err)
	}
	if err := w.Flush(); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// LoadRawSeries reads a series written by SaveRawSeries
func LoadRawSeries(dir string) (*models.Series, error) {
	header, err := os.ReadFile(filepath.Join(dir, rawHeaderFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read series header: %w", err)
	}
	var h rawHeader
	if err := yaml.Unmarshal(header, &h); err != nil {
		return nil, fmt.Errorf("failed to parse series header: %w", err)
	}
	if h.Format != rawFormat {
		return nil, fmt.Errorf("unsupported series format %q", h.Format)
	}
	if h.Frames < 1 || h.Depth < 1 || h.Height < 1 || h.Width < 1 {
		return nil, fmt.Errorf("invalid series dimensions %dx%dx%dx%d", h.Frames, h.Depth, h.Height, h.Width)
	}

	s := models.NewSeries(h.Frames, h.Depth, h.Height, h.Width)
	if len(h.Timeline) != h.Frames {
		return nil, fmt.Errorf("timeline has %d entries for %d frames", len(h.Timeline), h.Frames)
	}
	copy(s.Timeline, h.Timeline)
	s.Spacing = h.Spacing
	s.PatientID = h.PatientID
	s.Acquisition = h.Acquisition

	file, err := os.Open(filepath.Join(dir, rawDataFile))
	if err != nil {
		return nil, fmt.Errorf("failed to open series data: %w", err)
	}
	defer file.Close()
	if err := binary.Read(bufio.NewReader(file), binary.LittleEndian, s.Data); err != nil {
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			return nil, fmt.Errorf("series data shorter than %d values: %w", len(s.Data), err)
		}
		return nil, fmt.Errorf("failed to read series data: %w", err)
	}
	return s, s.Validate()
}
