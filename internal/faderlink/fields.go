package faderlink

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrMalformedField marks a {NAME:VALUE} field whose value is not an integer.
var ErrMalformedField = errors.New("malformed field")

// Field is one {NAME:VALUE} element of a device line.
type Field struct {
	Name  string
	Value int
}

// ParseFields extracts the brace-delimited fields of line, left to right.
// Fields without a name separator are skipped silently; fields with a
// non-integer value are returned as errors and do not stop the scan.
func ParseFields(line string) ([]Field, []error) {
	var (
		fields []Field
		errs   []error
	)

	idx := strings.IndexByte(line, '{')
	for idx >= 0 {
		end := strings.IndexByte(line[idx+1:], '}')
		if end < 0 {
			break
		}
		end += idx + 1

		content := strings.TrimSpace(line[idx+1 : end])
		if col := strings.IndexByte(content, ':'); col > 0 {
			name := content[:col]
			raw := strings.TrimSpace(content[col+1:])

			v, err := strconv.Atoi(raw)
			if err != nil {
				errs = append(errs, fmt.Errorf("%w: %q", ErrMalformedField, content))
			} else {
				fields = append(fields, Field{Name: name, Value: v})
			}
		}

		next := strings.IndexByte(line[end+1:], '{')
		if next < 0 {
			break
		}
		idx = end + 1 + next
	}

	return fields, errs
}
