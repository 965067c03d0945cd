package ingest

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrNoUsableColumns means the header declares neither a drug-name column nor
// a patient-name/rx-number column, so no row could ever be stored.
var ErrNoUsableColumns = errors.New("file declares no usable columns")

// Row is one parsed claim line: canonical fields plus the untyped remainder.
type Row struct {
	Line   int
	Fields map[string]string
	Raw    map[string]string
}

func (r Row) Get(field string) string {
	return strings.TrimSpace(r.Fields[field])
}

// ParseFile reads a claims export. The first non-empty line is the header;
// the delimiter is tab when the header contains one, comma otherwise. Header
// cells resolve through the alias table; unmapped columns go to each row's
// raw bag under their original header.
func ParseFile(data []byte) ([]Row, error) {
	headerLine, rest, err := splitHeader(data)
	if err != nil {
		return nil, err
	}
	comma := ','
	if strings.ContainsRune(headerLine, '\t') {
		comma = '\t'
	}

	reader := csv.NewReader(strings.NewReader(headerLine))
	reader.Comma = comma
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("parse header: %w", err)
	}

	canonical := make([]string, len(header))
	hasDrug, hasPatient, hasRx := false, false, false
	for i, cell := range header {
		canonical[i] = canonicalField(cell)
		switch canonical[i] {
		case FieldDrugName:
			hasDrug = true
		case FieldPatientName, FieldPatientFirstName, FieldPatientLastName:
			hasPatient = true
		case FieldRxNumber:
			hasRx = true
		}
	}
	if !hasDrug || (!hasPatient && !hasRx) {
		return nil, ErrNoUsableColumns
	}

	body := csv.NewReader(bytes.NewReader(rest))
	body.Comma = comma
	body.FieldsPerRecord = -1

	var rows []Row
	line := 1
	for {
		record, err := body.Read()
		line++
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// A malformed line is a skipped row, not a failed file.
			continue
		}
		if isEmptyRecord(record) {
			continue
		}
		row := Row{
			Line:   line,
			Fields: make(map[string]string),
			Raw:    make(map[string]string),
		}
		for i, value := range record {
			if i >= len(header) {
				break
			}
			value = strings.TrimSpace(value)
			if value == "" {
				continue
			}
			if field := canonical[i]; field != "" {
				row.Fields[field] = value
			} else {
				row.Raw[strings.TrimSpace(header[i])] = value
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// splitHeader finds the first non-empty line and returns it with the
// remaining bytes.
func splitHeader(data []byte) (string, []byte, error) {
	rest := data
	for len(rest) > 0 {
		line := rest
		if i := bytes.IndexByte(rest, '\n'); i >= 0 {
			line = rest[:i]
			rest = rest[i+1:]
		} else {
			rest = nil
		}
		trimmed := strings.TrimSpace(strings.TrimSuffix(string(line), "\r"))
		if trimmed != "" {
			return trimmed, rest, nil
		}
	}
	return "", nil, errors.New("empty file")
}

func isEmptyRecord(record []string) bool {
	for _, v := range record {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
