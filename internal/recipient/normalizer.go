package recipient

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/nyaruka/phonenumbers"

	"github.com/vkaroly/sms-dispatch/internal/model"
)

const (
	phoneColumn       = "phone_number"
	nameColumn        = "name"
	customFieldColumn = "custom_field"
)

var requiredColumns = []string{phoneColumn}

// SourceReport is the result of parsing one recipient source. Every data row
// lands in exactly one of Valid or Invalid.
type SourceReport struct {
	TotalRows int
	Columns   []string
	Valid     []model.Recipient
	Invalid   []model.InvalidRecipient
}

// MissingColumnError reports a source whose header lacks a required column.
type MissingColumnError struct {
	Missing  []string
	Required []string
	Found    []string
}

func (e *MissingColumnError) Error() string {
	return fmt.Sprintf("missing required columns: %s (required: %s, found: %s)",
		strings.Join(e.Missing, ", "),
		strings.Join(e.Required, ", "),
		strings.Join(e.Found, ", "),
	)
}

var nonPhoneChars = regexp.MustCompile(`[^\d+]`)

// Canonical validates a raw phone number and rewrites it to E.164.
// Numbers without a leading + are assumed to already carry a country code.
// Canonical is idempotent over its own output.
func Canonical(raw string) (string, error) {
	cleaned := nonPhoneChars.ReplaceAllString(strings.TrimSpace(raw), "")
	if !strings.HasPrefix(cleaned, "+") {
		cleaned = "+" + cleaned
	}

	parsed, err := phonenumbers.Parse(cleaned, "")
	if err != nil {
		return "", err
	}
	if !phonenumbers.IsValidNumber(parsed) {
		return "", errors.New("number failed validation")
	}

	return phonenumbers.Format(parsed, phonenumbers.E164), nil
}

// ParseCSV reads a tabular recipient source. The header row defines column
// names, row order defines processing order. Rows whose phone number fails
// structural validation are segregated into the invalid set with a reason.
func ParseCSV(r io.Reader) (*SourceReport, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err == io.EOF {
		return nil, errors.New("recipient source is empty")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read header row: %w", err)
	}

	cols := make(map[string]int, len(header))
	found := make([]string, 0, len(header))
	for i, name := range header {
		name = strings.ToLower(strings.TrimSpace(name))
		cols[name] = i
		found = append(found, name)
	}

	var missing []string
	for _, req := range requiredColumns {
		if _, ok := cols[req]; !ok {
			missing = append(missing, req)
		}
	}
	if len(missing) > 0 {
		return nil, &MissingColumnError{Missing: missing, Required: requiredColumns, Found: found}
	}

	report := &SourceReport{Columns: found}
	for {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read row %d: %w", report.TotalRows+1, err)
		}

		report.TotalRows++
		row := report.TotalRows

		raw := strings.TrimSpace(field(record, cols[phoneColumn]))
		canonical, err := Canonical(raw)
		if err != nil {
			report.Invalid = append(report.Invalid, model.InvalidRecipient{
				Row:      row,
				RawPhone: raw,
				Reason:   "invalid phone number format",
			})
			continue
		}

		rec := model.Recipient{
			Row:      row,
			RawPhone: raw,
			Phone:    canonical,
		}
		if i, ok := cols[nameColumn]; ok {
			rec.Name = strings.TrimSpace(field(record, i))
		}
		if i, ok := cols[customFieldColumn]; ok {
			rec.CustomField = strings.TrimSpace(field(record, i))
		}
		report.Valid = append(report.Valid, rec)
	}

	return report, nil
}

func field(record []string, i int) string {
	if i < 0 || i >= len(record) {
		return ""
	}
	return record[i]
}
