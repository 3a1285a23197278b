package arlens

// TFRecord export of captured frames for object detection training.

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/golang/protobuf/proto"
	"github.com/ryszard/tfutils/go/example"
	"github.com/ryszard/tfutils/go/tfrecord"
	"github.com/ryszard/tfutils/proto/tensorflow/core/example" // package tensorflow
)

// TFFeatureMap maps feature names to their values. Values must be convertible to
// tensorflow.Feature.
type TFFeatureMap map[string]interface{}

// labelMap assigns stable integer IDs, starting at 1, to class labels.
type labelMap struct {
	ids    map[string]int32
	nextID int32
}

func newLabelMap() *labelMap {
	return &labelMap{ids: make(map[string]int32), nextID: 1}
}

// id returns the ID for label, assigning a new one if no mapping exists.
func (m *labelMap) id(label string) int32 {
	id, ok := m.ids[label]
	if !ok {
		id = m.nextID
		m.ids[label] = id
		m.nextID++
	}
	return id
}

// toTFFeatures converts a single frame to the TF object detection feature map. Detections are
// clamped to [0, 1] and degenerate boxes are skipped.
func toTFFeatures(f AnnotatedFrame, labels *labelMap) (TFFeatureMap, error) {
	cfg, format, err := decodeImageConfig(f.FilePath)
	if err != nil {
		return nil, fmt.Errorf("failed to decode the image metadata: %w", err)
	}
	imgData, err := os.ReadFile(f.FilePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read the image: %w", err)
	}

	m := make(TFFeatureMap, 16)
	m["image/height"] = cfg.Height
	m["image/width"] = cfg.Width
	m["image/filename"] = f.FilePath
	m["image/source_id"] = f.FilePath
	m["image/encoded"] = imgData
	m["image/format"] = format

	n := len(f.Detections)
	xmins := make([]float32, 0, n)
	ymins := make([]float32, 0, n)
	xmaxs := make([]float32, 0, n)
	ymaxs := make([]float32, 0, n)
	classes := make([]string, 0, n)
	classIDs := make([]int64, 0, n)
	for _, d := range f.Detections {
		d = Normalize(d)
		if !valid(d) || d.Label == "" {
			continue
		}
		xmins = append(xmins, float32(d.XMin))
		ymins = append(ymins, float32(d.YMin))
		xmaxs = append(xmaxs, float32(d.XMax))
		ymaxs = append(ymaxs, float32(d.YMax))
		classes = append(classes, d.Label)
		classIDs = append(classIDs, int64(labels.id(d.Label)))
	}
	m["image/object/bbox/xmin"] = xmins
	m["image/object/bbox/ymin"] = ymins
	m["image/object/bbox/xmax"] = xmaxs
	m["image/object/bbox/ymax"] = ymaxs
	m["image/object/class/text"] = classes
	m["image/object/class/label"] = classIDs

	return m, nil
}

// WriteTFRecord writes the frames as tensorflow.Example records to one or more TFRecord files
// stored under recordFilePath (with suffixes added when numShards>1).
//
// Class IDs are taken from the label map at labelMapPath if it exists. New labels are appended
// and the map is written back.
func WriteTFRecord(recordFilePath, labelMapPath string, data []AnnotatedFrame,
	numShards int) (err error) {

	defer func() {
		if e := recover(); e != nil {
			err = fmt.Errorf("conversion to TensorFlow Example failed: %v", e)
		}
	}()

	if numShards <= 0 {
		numShards = 1
	}
	if len(data) == 0 {
		return nil
	}

	// Load an existing label map. It is not an error if the file does not exist.
	labels, err := loadTFRecordLabelMap(labelMapPath)
	if os.IsNotExist(err) {
		logger.Info("Creating a new label map")
		labels = newLabelMap()
	} else if err != nil {
		return fmt.Errorf("failed to read the label map from %q: %w", labelMapPath, err)
	}

	var shardFile *os.File
	defer func() {
		if shardFile != nil {
			closeWithErrCheck(shardFile, &err)
		}
	}()
	shardSize := int(math.Ceil(float64(len(data)) / float64(numShards)))
	shardIdx := -1
	written := 0

	for i, f := range data {
		// Check if a new shard file needs to be opened for writing.
		if i%shardSize == 0 {
			shardIdx++
			if shardFile != nil {
				if err := shardFile.Close(); err != nil {
					return err
				}
				shardFile = nil
			}

			shardPath := recordFilePath
			if numShards > 1 {
				shardPath += fmt.Sprintf("-%05d-of-%05d", shardIdx, numShards)
			}
			if shardFile, err = os.Create(shardPath); err != nil {
				return fmt.Errorf("failed to create shard at %q: %w", shardPath, err)
			}
		}

		features, err := toTFFeatures(f, labels)
		if err != nil {
			logger.Warnf("Failed to convert %q: %v", f.FilePath, err)
			continue
		}
		if err := writeTFRecordExample(shardFile, example.New(features)); err != nil {
			return fmt.Errorf("failed to write example for %q: %w", f.FilePath, err)
		}
		written++
	}
	logger.Infof("Wrote %d of %d frames to %d TFRecord shards", written, len(data), shardIdx+1)

	return saveTFRecordLabelMap(labelMapPath, labels)
}

// writeTFRecordExample serialises the example and writes it as a TFRecord to w.
func writeTFRecordExample(w io.Writer, e *tensorflow.Example) error {
	enc, err := proto.Marshal(e)
	if err != nil {
		return err
	}

	return tfrecord.Write(w, enc)
}

// saveTFRecordLabelMap writes labels as a StringIntLabelMap prototxt file, ordered by ID.
func saveTFRecordLabelMap(path string, labels *labelMap) (err error) {
	names := make([]string, 0, len(labels.ids))
	for k := range labels.ids {
		names = append(names, k)
	}
	sort.Slice(names, func(i, j int) bool { return labels.ids[names[i]] < labels.ids[names[j]] })

	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create the label map file %q: %w", path, err)
	}
	defer closeWithErrCheck(file, &err)

	w := bufio.NewWriter(file)
	for _, name := range names {
		fmt.Fprintf(w, "item {\n  name: %s\n  id: %d\n}\n", strconv.Quote(name), labels.ids[name])
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("failed to write the label map %q: %w", path, err)
	}

	return nil
}

// loadTFRecordLabelMap loads a StringIntLabelMap prototxt file from path.
//
// If an error occurs because the file does not exist, then os.IsNotExist will return true for the
// error.
func loadTFRecordLabelMap(path string) (*labelMap, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	labels := newLabelMap()
	var name string
	var id int64
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case strings.HasPrefix(line, "name:"):
			if name, err = strconv.Unquote(strings.TrimSpace(strings.TrimPrefix(line, "name:"))); err != nil {
				return nil, fmt.Errorf("invalid name in %q: %w", line, err)
			}
		case strings.HasPrefix(line, "id:"):
			if id, err = strconv.ParseInt(strings.TrimSpace(strings.TrimPrefix(line, "id:")), 10, 32); err != nil {
				return nil, fmt.Errorf("invalid id in %q: %w", line, err)
			}
		case line == "}":
			if name == "" || id <= 0 {
				return nil, fmt.Errorf("invalid entry: %s: %d", name, id)
			}
			labels.ids[name] = int32(id)
			if int32(id) >= labels.nextID {
				labels.nextID = int32(id) + 1
			}
			name, id = "", 0
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return labels, nil
}
