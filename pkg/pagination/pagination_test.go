package pagination

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestCursorRoundTrip(t *testing.T) {
	in := Cursor{At: time.Date(2026, 2, 1, 10, 30, 0, 123, time.UTC), ID: uuid.New()}
	encoded := EncodeCursor(in)

	out, err := ParseCursor(encoded)
	if err != nil {
		t.Fatalf("parse cursor: %v", err)
	}
	if out == nil || !out.At.Equal(in.At) || out.ID != in.ID {
		t.Fatalf("cursor mismatch: %+v vs %+v", out, in)
	}
}

func TestParseCursorRejectsGarbage(t *testing.T) {
	if c, err := ParseCursor(""); err != nil || c != nil {
		t.Fatalf("empty cursor should mean first page, got %+v %v", c, err)
	}
	for _, value := range []string{"%%%", "bm90LWEtY3Vyc29y"} {
		if _, err := ParseCursor(value); err == nil {
			t.Fatalf("expected %q to be rejected", value)
		}
	}
}

func TestNormalizeLimit(t *testing.T) {
	cases := map[int]int{0: DefaultLimit, -3: DefaultLimit, 10: 10, 500: MaxLimit}
	for in, want := range cases {
		if got := NormalizeLimit(in); got != want {
			t.Fatalf("NormalizeLimit(%d) = %d, want %d", in, got, want)
		}
	}
	if got := LimitWithBuffer(10); got != 11 {
		t.Fatalf("expected buffered limit 11, got %d", got)
	}
}

func TestTrim(t *testing.T) {
	type row struct {
		at time.Time
		id uuid.UUID
	}
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rows := []row{{base.Add(3 * time.Hour), uuid.New()}, {base.Add(2 * time.Hour), uuid.New()}, {base.Add(time.Hour), uuid.New()}}
	cursorOf := func(r row) Cursor { return Cursor{At: r.at, ID: r.id} }

	page, next := Trim(rows, 2, cursorOf)
	if len(page) != 2 || next == "" {
		t.Fatalf("expected 2 rows and a next cursor, got %d %q", len(page), next)
	}
	c, err := ParseCursor(next)
	if err != nil || c.ID != rows[1].id {
		t.Fatalf("next cursor should point at the last returned row, got %+v %v", c, err)
	}

	page, next = Trim(rows, 5, cursorOf)
	if len(page) != 3 || next != "" {
		t.Fatalf("expected final page without cursor, got %d %q", len(page), next)
	}
}
