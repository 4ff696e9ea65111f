package datasets

import (
	"encoding/csv"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// parseCoordinate parses a keypoint coordinate. Empty cells and "nan" mark a
// missing keypoint and parse to NaN.
func parseCoordinate(s string) (float32, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "nan") {
		return float32(math.NaN()), nil
	}
	v, err := strconv.ParseFloat(s, 32)
	if err != nil {
		return 0, err
	}
	return float32(v), nil
}

// parseBool accepts the usual spellings of an annotated flag.
func parseBool(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "y", "t":
		return true, nil
	case "0", "false", "no", "n", "f", "":
		return false, nil
	}
	return false, errors.Errorf("invalid boolean %q", s)
}

// readCSV reads every record of a CSV file and returns the normalized header
// index and the data rows.
func readCSV(path string) (map[string]int, [][]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, nil, errors.WithStack(err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.TrimLeadingSpace = true
	records, err := reader.ReadAll()
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to read %s", path)
	}
	if len(records) == 0 {
		return nil, nil, errors.Errorf("%s has no header", path)
	}
	colIndex := make(map[string]int)
	for i, col := range records[0] {
		colIndex[strings.TrimSpace(strings.ToLower(col))] = i
	}
	return colIndex, records[1:], nil
}
