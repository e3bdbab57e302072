package dal

import (
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"
)

func testNow() time.Time { return time.Date(2025, 7, 1, 8, 0, 0, 0, time.UTC) }

func TestValidIdentifier(t *testing.T) {
	for _, ok := range []string{"calls", "_tmp", "client_id2"} {
		if !ValidIdentifier(ok) {
			t.Fatalf("%q should be valid", ok)
		}
	}
	for _, bad := range []string{"", "Calls", "1calls", "calls;", "a b", `x"y`} {
		if ValidIdentifier(bad) {
			t.Fatalf("%q should be invalid", bad)
		}
	}
}

func TestRowID(t *testing.T) {
	if (Row{"id": []byte("abc")}).ID() != "abc" {
		t.Fatalf("byte ids should be converted")
	}
	if (Row{"id": int64(7)}).ID() != "7" {
		t.Fatalf("numeric ids should be formatted")
	}
	if (Row{}).ID() != "" {
		t.Fatalf("missing id should be empty")
	}
}

func TestDataAccessErrorUnwraps(t *testing.T) {
	base := errors.New("duplicate key")
	err := &DataAccessError{Op: "insert", Table: "calls", Code: "23505", Err: base}
	if !errors.Is(err, base) {
		t.Fatalf("expected errors.Is to see the cause")
	}
	if err.Error() != "insert calls: [23505] duplicate key" {
		t.Fatalf("unexpected message: %s", err.Error())
	}
}

func TestSummarizeKeepsRuneBoundary(t *testing.T) {
	// 499 ASCII bytes then a 3-byte rune straddling the cut.
	msg := strings.Repeat("a", maxErrorSummary-1) + strings.Repeat("€", 10)
	got := summarize(errors.New(msg))
	if !utf8.ValidString(got) {
		t.Fatalf("summary is not valid UTF-8")
	}
	if !strings.HasSuffix(got, "...") || len(got) > maxErrorSummary+3 {
		t.Fatalf("unexpected summary length %d", len(got))
	}
	if want := strings.Repeat("a", maxErrorSummary-1) + "..."; got != want {
		t.Fatalf("expected cut before the partial rune")
	}

	short := "no rows"
	if summarize(errors.New(short)) != short {
		t.Fatalf("short messages must pass through")
	}
}
