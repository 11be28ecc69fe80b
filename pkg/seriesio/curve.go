package seriesio

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
)

// WriteCurveCSV writes a time course as time_s,value rows with a header
func WriteCurveCSV(path string, timeline, values []float64) error {
	if len(timeline) != len(values) {
		return fmt.Errorf("timeline has %d entries, curve has %d", len(timeline), len(values))
	}
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	w := csv.NewWriter(file)
	if err := w.Write([]string{"time_s", "value"}); err != nil {
		file.Close()
		return err
	}
	for i := range timeline {
		row := []string{
			strconv.FormatFloat(timeline[i], 'g', -1, 64),
			strconv.FormatFloat(values[i], 'g', -1, 64),
		}
		if err := w.Write(row); err != nil {
			file.Close()
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// ReadCurveCSV reads a curve written by WriteCurveCSV. A non-numeric first
// row is treated as a header.
func ReadCurveCSV(path string) (timeline, values []float64, err error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer file.Close()

	r := csv.NewReader(file)
	r.FieldsPerRecord = 2
	r.TrimLeadingSpace = true
	for line := 1; ; line++ {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("%s: %w", path, err)
		}
		t, errT := strconv.ParseFloat(rec[0], 64)
		v, errV := strconv.ParseFloat(rec[1], 64)
		if errT != nil || errV != nil {
			if line == 1 {
				continue
			}
			return nil, nil, fmt.Errorf("%s line %d: non-numeric values %q", path, line, rec)
		}
		timeline = append(timeline, t)
		values = append(values, v)
	}
	if len(values) == 0 {
		return nil, nil, fmt.Errorf("%s: no samples", path)
	}
	return timeline, values, nil
}
