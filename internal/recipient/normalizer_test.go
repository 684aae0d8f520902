package recipient

import (
	"errors"
	"strings"
	"testing"
)

func TestCanonical_FormatsDenotingSameSubscriber(t *testing.T) {
	t.Parallel()

	inputs := []string{
		"+16502530000",
		"+1 650 253 0000",
		"+1 (650) 253-0000",
		"1-650-253-0000",
		"16502530000",
		"+1.650.253.0000",
	}

	for _, in := range inputs {
		got, err := Canonical(in)
		if err != nil {
			t.Fatalf("Canonical(%q) error: %v", in, err)
		}
		if got != "+16502530000" {
			t.Fatalf("Canonical(%q) = %q, want %q", in, got, "+16502530000")
		}
	}
}

func TestCanonical_Idempotent(t *testing.T) {
	t.Parallel()

	first, err := Canonical("+44 7911 123456")
	if err != nil {
		t.Fatalf("Canonical() error: %v", err)
	}

	second, err := Canonical(first)
	if err != nil {
		t.Fatalf("Canonical() on canonical input error: %v", err)
	}
	if second != first {
		t.Fatalf("expected idempotent result, got %q then %q", first, second)
	}
}

func TestCanonical_InvalidNumbers(t *testing.T) {
	t.Parallel()

	for _, in := range []string{"", "123", "+1234", "not-a-number", "+999999999999999"} {
		if got, err := Canonical(in); err == nil {
			t.Fatalf("Canonical(%q) = %q, expected error", in, got)
		}
	}
}

func TestParseCSV_PartitionsValidAndInvalid(t *testing.T) {
	t.Parallel()

	src := strings.Join([]string{
		"phone_number,name,custom_field",
		"+16502530000,Alice,gold",
		"0000,Bob,",
		"+44 7911 123456,Carol,silver",
		"+1 (650) 253-0001,Dave,",
	}, "\n")

	report, err := ParseCSV(strings.NewReader(src))
	if err != nil {
		t.Fatalf("ParseCSV() error: %v", err)
	}

	if report.TotalRows != 4 {
		t.Fatalf("expected 4 rows, got %d", report.TotalRows)
	}
	if len(report.Valid)+len(report.Invalid) != report.TotalRows {
		t.Fatalf("valid(%d) + invalid(%d) != total(%d)",
			len(report.Valid), len(report.Invalid), report.TotalRows)
	}
	if len(report.Valid) != 3 {
		t.Fatalf("expected 3 valid recipients, got %d", len(report.Valid))
	}
	if len(report.Invalid) != 1 {
		t.Fatalf("expected 1 invalid recipient, got %d", len(report.Invalid))
	}

	inv := report.Invalid[0]
	if inv.Row != 2 {
		t.Fatalf("expected invalid row 2, got %d", inv.Row)
	}
	if inv.Reason == "" {
		t.Fatalf("expected a non-empty invalid reason")
	}

	first := report.Valid[0]
	if first.Phone != "+16502530000" {
		t.Fatalf("expected canonical phone, got %q", first.Phone)
	}
	if first.Name != "Alice" || first.CustomField != "gold" {
		t.Fatalf("unexpected optional fields: %+v", first)
	}

	// Row order defines processing order.
	if report.Valid[1].Row != 3 || report.Valid[2].Row != 4 {
		t.Fatalf("expected source row order preserved, got rows %d, %d",
			report.Valid[1].Row, report.Valid[2].Row)
	}
}

func TestParseCSV_MissingPhoneColumn(t *testing.T) {
	t.Parallel()

	src := "name,custom_field\nAlice,gold\n"

	_, err := ParseCSV(strings.NewReader(src))
	if err == nil {
		t.Fatalf("expected error, got nil")
	}

	var mce *MissingColumnError
	if !errors.As(err, &mce) {
		t.Fatalf("expected MissingColumnError, got %T: %v", err, err)
	}
	if len(mce.Missing) != 1 || mce.Missing[0] != "phone_number" {
		t.Fatalf("unexpected missing columns: %v", mce.Missing)
	}
	if len(mce.Found) != 2 {
		t.Fatalf("expected found columns reported, got %v", mce.Found)
	}
}

func TestParseCSV_PhoneOnlySource(t *testing.T) {
	t.Parallel()

	src := "phone_number\n+16502530000\n"

	report, err := ParseCSV(strings.NewReader(src))
	if err != nil {
		t.Fatalf("ParseCSV() error: %v", err)
	}
	if len(report.Valid) != 1 {
		t.Fatalf("expected 1 valid recipient, got %d", len(report.Valid))
	}
	if report.Valid[0].Name != "" || report.Valid[0].CustomField != "" {
		t.Fatalf("expected empty optional fields, got %+v", report.Valid[0])
	}
}

func TestParseCSV_EmptySource(t *testing.T) {
	t.Parallel()

	if _, err := ParseCSV(strings.NewReader("")); err == nil {
		t.Fatalf("expected error for empty source")
	}
}
