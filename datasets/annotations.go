package datasets

import (
	"path/filepath"
	"strings"

	"github.com/Noofbiz/poseKit/keypoints"
	"github.com/pkg/errors"
)

// SkeletonFile is the name of the skeleton CSV expected next to an
// annotation file. Columns: "name", "parent", "swap"; parent and swap hold
// keypoint names and are empty when absent.
const SkeletonFile = "skeleton.csv"

// AnnotationDataset is a Source that reads an annotation CSV and loads
// images lazily, when a batch asks for them.
//
// The annotation CSV has one row per image with columns:
//   - <dataset>: image path, relative to the CSV's directory
//   - "annotated": whether the row is fully labelled
//   - "<name>_x", "<name>_y" for every keypoint name in the skeleton
//
// Only annotated rows are exposed.
type AnnotationDataset struct {
	// Path of the annotation CSV.
	Path string

	// Dataset is the name of the image path column.
	Dataset string

	dir        string
	imagePaths []string
	points     [][]keypoints.Point
	skeleton   *keypoints.Skeleton
}

// NewAnnotationDataset opens the annotation CSV at path, using column dataset
// for image paths (default "images").
func NewAnnotationDataset(path, dataset string) (*AnnotationDataset, error) {
	if dataset == "" {
		dataset = "images"
	}
	dir := filepath.Dir(path)
	skeleton, err := LoadSkeleton(filepath.Join(dir, SkeletonFile))
	if err != nil {
		return nil, err
	}

	colIndex, rows, err := readCSV(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read annotations %s", path)
	}
	imageCol, ok := colIndex[strings.ToLower(dataset)]
	if !ok {
		return nil, errors.Errorf("dataset column %q not found in %s", dataset, path)
	}
	annotatedCol, hasAnnotated := colIndex["annotated"]

	xCols := make([]int, skeleton.Len())
	yCols := make([]int, skeleton.Len())
	for k, name := range skeleton.Names {
		name = strings.ToLower(name)
		x, okX := colIndex[name+"_x"]
		y, okY := colIndex[name+"_y"]
		if !okX || !okY {
			return nil, errors.Errorf("columns %s_x/%s_y not found in %s", name, name, path)
		}
		xCols[k], yCols[k] = x, y
	}

	d := &AnnotationDataset{Path: path, Dataset: dataset, dir: dir, skeleton: skeleton}
	for r, record := range rows {
		if hasAnnotated {
			annotated, err := parseBool(record[annotatedCol])
			if err != nil {
				return nil, errors.Wrapf(err, "row %d of %s", r+1, path)
			}
			if !annotated {
				continue
			}
		}
		pts := make([]keypoints.Point, skeleton.Len())
		for k := range pts {
			x, err := parseCoordinate(record[xCols[k]])
			if err != nil {
				return nil, errors.Wrapf(err, "row %d of %s: failed to parse %s_x", r+1, path, skeleton.Names[k])
			}
			y, err := parseCoordinate(record[yCols[k]])
			if err != nil {
				return nil, errors.Wrapf(err, "row %d of %s: failed to parse %s_y", r+1, path, skeleton.Names[k])
			}
			pts[k] = keypoints.Point{X: x, Y: y}
		}
		d.imagePaths = append(d.imagePaths, record[imageCol])
		d.points = append(d.points, pts)
	}
	if len(d.points) == 0 {
		return nil, errors.Errorf("no annotated samples in %s", path)
	}
	return d, nil
}

// LoadSkeleton reads a skeleton CSV with "name", "parent" and "swap" columns.
func LoadSkeleton(path string) (*keypoints.Skeleton, error) {
	colIndex, rows, err := readCSV(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read skeleton %s", path)
	}
	for _, col := range []string{"name", "parent"} {
		if _, ok := colIndex[col]; !ok {
			return nil, errors.Errorf("required column %q not found in %s", col, path)
		}
	}
	swapCol, hasSwap := colIndex["swap"]

	names := make([]string, len(rows))
	byName := make(map[string]int, len(rows))
	for i, record := range rows {
		names[i] = strings.TrimSpace(record[colIndex["name"]])
		byName[names[i]] = i
	}
	lookup := func(cell string) (int, error) {
		cell = strings.TrimSpace(cell)
		if cell == "" {
			return -1, nil
		}
		idx, ok := byName[cell]
		if !ok {
			return 0, errors.Errorf("unknown keypoint %q in %s", cell, path)
		}
		return idx, nil
	}
	parents := make([]int, len(rows))
	swap := make([]int, len(rows))
	for i, record := range rows {
		if parents[i], err = lookup(record[colIndex["parent"]]); err != nil {
			return nil, err
		}
		swap[i] = keypoints.NoSwap
		if hasSwap {
			if swap[i], err = lookup(record[swapCol]); err != nil {
				return nil, err
			}
		}
	}
	return keypoints.NewSkeleton(names, parents, swap)
}

// Len implements Source.
func (d *AnnotationDataset) Len() int { return len(d.points) }

// Skeleton implements Source.
func (d *AnnotationDataset) Skeleton() *keypoints.Skeleton { return d.skeleton }

// Samples implements Source, decoding the requested images from disk.
func (d *AnnotationDataset) Samples(indices []int) ([]*Image, [][]keypoints.Point, error) {
	images := make([]*Image, len(indices))
	points := make([][]keypoints.Point, len(indices))
	for i, idx := range indices {
		if idx < 0 || idx >= len(d.points) {
			return nil, nil, errors.Errorf("index %d out of range [0, %d)", idx, len(d.points))
		}
		p := d.imagePaths[idx]
		if !filepath.IsAbs(p) {
			p = filepath.Join(d.dir, p)
		}
		im, err := LoadImage(p)
		if err != nil {
			return nil, nil, err
		}
		images[i] = im
		points[i] = append([]keypoints.Point(nil), d.points[idx]...)
	}
	return images, points, nil
}
