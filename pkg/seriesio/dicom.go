// Package seriesio reads and writes DCE-MRI series, masks and curves.
package seriesio

import (
	"errors"
	"fmt"
	"io/fs"
	"math"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	logging "github.com/ipfs/go-log/v2"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"dcemri/internal/models"
)

var log = logging.Logger("seriesio")

var (
	// ErrNoFrames is returned when a directory yields no usable images
	ErrNoFrames = errors.New("no DICOM frames found")

	// ErrInconsistentFrames is returned when frames differ in slice count or size
	ErrInconsistentFrames = errors.New("inconsistent DICOM frames")
)

// LoadOptions tune how a DICOM directory is assembled into a series
type LoadOptions struct {
	TemporalResolution float64
	MinSlices          int
	FrameLimit         int
}

// LoadOption modifies LoadOptions
type LoadOption func(o *LoadOptions)

// WithTemporalResolution sets the frame interval in seconds used when the
// instances carry no acquisition time
func WithTemporalResolution(seconds float64) LoadOption {
	return func(o *LoadOptions) {
		o.TemporalResolution = seconds
	}
}

// WithMinSlices drops frames with fewer slices than n
func WithMinSlices(n int) LoadOption {
	return func(o *LoadOptions) {
		o.MinSlices = n
	}
}

// WithFrameLimit keeps only the first n frames
func WithFrameLimit(n int) LoadOption {
	return func(o *LoadOptions) {
		o.FrameLimit = n
	}
}

// instance is one parsed 2D image with the metadata needed for ordering
type instance struct {
	path string

	// frameKey groups instances into temporal frames
	frameKey string

	// acqTime is seconds since midnight, NaN when unknown
	acqTime float64

	// position orders slices within a frame
	position float64

	rows, cols int
	pixels     []float64

	pixelSpacing [2]float64
	sliceSpacing float64
	patientID    string
	acquisition  models.Acquisition
}

// LoadDICOMSeries walks dir and assembles every parseable DICOM image into a
// 4D series. Files that are not DICOM are skipped.
func LoadDICOMSeries(dir string, opts ...LoadOption) (*models.Series, error) {
	o := &LoadOptions{}
	for _, opt := range opts {
		opt(o)
	}

	var instances []*instance
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		inst, err := readInstance(path)
		if err != nil {
			log.Debugw("skipping file", "path", path, "error", err)
			return nil
		}
		instances = append(instances, inst)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking %s: %w", dir, err)
	}
	log.Infow("parsed DICOM instances", "dir", dir, "count", len(instances))
	return assemble(instances, o)
}

func readInstance(path string) (*instance, error) {
	ds, err := dicom.ParseFile(path, nil)
	if err != nil {
		return nil, err
	}

	pixelElement, err := ds.FindElementByTag(tag.PixelData)
	if err != nil {
		return nil, fmt.Errorf("no pixel data: %w", err)
	}
	info := dicom.MustGetPixelDataInfo(pixelElement.Value)
	if info.IsEncapsulated {
		return nil, fmt.Errorf("encapsulated pixel data is not supported")
	}
	if len(info.Frames) == 0 {
		return nil, fmt.Errorf("pixel data has no frames")
	}
	native, err := info.Frames[0].GetNativeFrame()
	if err != nil {
		return nil, err
	}

	slope, intercept := 1.0, 0.0
	if v, ok := floatsOf(ds, tag.RescaleSlope); ok && v[0] != 0 {
		slope = v[0]
	}
	if v, ok := floatsOf(ds, tag.RescaleIntercept); ok {
		intercept = v[0]
	}

	inst := &instance{
		path:    path,
		rows:    native.Rows,
		cols:    native.Cols,
		pixels:  make([]float64, native.Rows*native.Cols),
		acqTime: math.NaN(),
	}
	for i := range inst.pixels {
		inst.pixels[i] = float64(native.Data[i][0])*slope + intercept
	}

	if v, ok := stringsOf(ds, tag.AcquisitionTime); ok {
		if secs, err := parseDICOMTime(v[0]); err == nil {
			inst.acqTime = secs
		}
	}
	switch v, ok := stringsOf(ds, tag.TemporalPositionIdentifier); {
	case ok:
		inst.frameKey = "tp:" + strings.TrimSpace(v[0])
	case !math.IsNaN(inst.acqTime):
		inst.frameKey = fmt.Sprintf("at:%.6f", inst.acqTime)
	}

	inst.position = slicePosition(ds)

	if v, ok := floatsOf(ds, tag.PixelSpacing); ok && len(v) >= 2 {
		inst.pixelSpacing = [2]float64{v[0], v[1]}
	}
	if v, ok := floatsOf(ds, tag.SpacingBetweenSlices); ok {
		inst.sliceSpacing = v[0]
	} else if v, ok := floatsOf(ds, tag.SliceThickness); ok {
		inst.sliceSpacing = v[0]
	}
	if v, ok := stringsOf(ds, tag.PatientID); ok {
		inst.patientID = strings.TrimSpace(v[0])
	}
	if v, ok := floatsOf(ds, tag.RepetitionTime); ok {
		inst.acquisition.RepetitionTime = v[0]
	}
	if v, ok := floatsOf(ds, tag.FlipAngle); ok {
		inst.acquisition.FlipAngle = v[0]
	}
	if v, ok := floatsOf(ds, tag.MagneticFieldStrength); ok {
		inst.acquisition.FieldStrength = v[0]
	}
	return inst, nil
}

// slicePosition projects ImagePositionPatient onto the slice normal, falling
// back to SliceLocation and then InstanceNumber
func slicePosition(ds dicom.Dataset) float64 {
	pos, okPos := floatsOf(ds, tag.ImagePositionPatient)
	orient, okOrient := floatsOf(ds, tag.ImageOrientationPatient)
	if okPos && okOrient && len(pos) == 3 && len(orient) == 6 {
		n := [3]float64{
			orient[1]*orient[5] - orient[2]*orient[4],
			orient[2]*orient[3] - orient[0]*orient[5],
			orient[0]*orient[4] - orient[1]*orient[3],
		}
		return pos[0]*n[0] + pos[1]*n[1] + pos[2]*n[2]
	}
	if v, ok := floatsOf(ds, tag.SliceLocation); ok {
		return v[0]
	}
	if v, ok := floatsOf(ds, tag.InstanceNumber); ok {
		return v[0]
	}
	return 0
}

// assemble groups instances into frames, orders them and builds the series
func assemble(instances []*instance, o *LoadOptions) (*models.Series, error) {
	if len(instances) == 0 {
		return nil, ErrNoFrames
	}

	groups := make(map[string][]*instance)
	for _, inst := range instances {
		groups[inst.frameKey] = append(groups[inst.frameKey], inst)
	}

	type frame struct {
		key    string
		time   float64
		slices []*instance
	}
	var frames []*frame
	for key, slices := range groups {
		if o.MinSlices > 0 && len(slices) < o.MinSlices {
			log.Debugw("dropping short frame", "key", key, "slices", len(slices))
			continue
		}
		sort.SliceStable(slices, func(i, j int) bool {
			if slices[i].position != slices[j].position {
				return slices[i].position < slices[j].position
			}
			return slices[i].path < slices[j].path
		})
		f := &frame{key: key, time: math.Inf(1), slices: slices}
		for _, s := range slices {
			if !math.IsNaN(s.acqTime) {
				f.time = math.Min(f.time, s.acqTime)
			}
		}
		frames = append(frames, f)
	}
	if len(frames) == 0 {
		return nil, ErrNoFrames
	}

	sort.Slice(frames, func(i, j int) bool {
		if frames[i].time != frames[j].time {
			return frames[i].time < frames[j].time
		}
		return frameOrder(frames[i].key) < frameOrder(frames[j].key)
	})
	if o.FrameLimit > 0 && len(frames) > o.FrameLimit {
		frames = frames[:o.FrameLimit]
	}

	first := frames[0].slices[0]
	depth, height, width := len(frames[0].slices), first.rows, first.cols
	for _, f := range frames {
		if len(f.slices) != depth {
			return nil, fmt.Errorf("%w: frame %s has %d slices, want %d", ErrInconsistentFrames, f.key, len(f.slices), depth)
		}
		for _, s := range f.slices {
			if s.rows != height || s.cols != width {
				return nil, fmt.Errorf("%w: %s is %dx%d, want %dx%d", ErrInconsistentFrames, s.path, s.cols, s.rows, width, height)
			}
		}
	}

	s := models.NewSeries(len(frames), depth, height, width)
	s.PatientID = first.patientID
	s.Acquisition = first.acquisition
	s.Spacing = models.Spacing{X: first.pixelSpacing[1], Y: first.pixelSpacing[0], Z: first.sliceSpacing}

	timed := !math.IsInf(frames[0].time, 1)
	for t, f := range frames {
		switch {
		case timed && !math.IsInf(f.time, 1):
			s.Timeline[t] = f.time - frames[0].time
		case o.TemporalResolution > 0:
			s.Timeline[t] = float64(t) * o.TemporalResolution
		default:
			s.Timeline[t] = float64(t)
		}
		for z, inst := range f.slices {
			copy(s.Data[s.Index(t, z, 0, 0):], inst.pixels)
		}
	}
	if !timed && o.TemporalResolution <= 0 {
		log.Warnw("no acquisition times and no temporal resolution, using frame index as time")
	}

	log.Infow("assembled series", "frames", s.Frames, "depth", depth, "height", height, "width", width, "patient", s.PatientID)
	return s, nil
}

// frameOrder sorts temporal position keys numerically
func frameOrder(key string) float64 {
	if v, err := strconv.ParseFloat(strings.TrimPrefix(strings.TrimPrefix(key, "tp:"), "at:"), 64); err == nil {
		return v
	}
	return 0
}

// parseDICOMTime converts a TM value (HHMMSS.ffffff, optionally with colons
// or truncated) to seconds since midnight
func parseDICOMTime(tm string) (float64, error) {
	tm = strings.ReplaceAll(strings.TrimSpace(tm), ":", "")
	if tm == "" {
		return 0, fmt.Errorf("empty time")
	}
	whole, frac, _ := strings.Cut(tm, ".")
	if len(whole) < 2 || len(whole)%2 != 0 || len(whole) > 6 {
		return 0, fmt.Errorf("malformed time %q", tm)
	}
	var secs float64
	units := []float64{3600, 60, 1}
	for i := 0; i < len(whole); i += 2 {
		v, err := strconv.Atoi(whole[i : i+2])
		if err != nil {
			return 0, fmt.Errorf("malformed time %q: %w", tm, err)
		}
		secs += float64(v) * units[i/2]
	}
	if frac != "" {
		f, err := strconv.ParseFloat("0."+frac, 64)
		if err != nil {
			return 0, fmt.Errorf("malformed time %q: %w", tm, err)
		}
		secs += f
	}
	return secs, nil
}

func stringsOf(ds dicom.Dataset, t tag.Tag) ([]string, bool) {
	el, err := ds.FindElementByTag(t)
	if err != nil {
		return nil, false
	}
	v, ok := el.Value.GetValue().([]string)
	return v, ok && len(v) > 0
}

// floatsOf reads numeric values stored as decimal strings, ints or floats
func floatsOf(ds dicom.Dataset, t tag.Tag) ([]float64, bool) {
	el, err := ds.FindElementByTag(t)
	if err != nil {
		return nil, false
	}
	var out []float64
	switch v := el.Value.GetValue().(type) {
	case []string:
		for _, s := range v {
			f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
			if err != nil {
				return nil, false
			}
			out = append(out, f)
		}
	case []int:
		for _, i := range v {
			out = append(out, float64(i))
		}
	case []float64:
		out = v
	}
	return out, len(out) > 0
}
