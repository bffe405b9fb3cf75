package debugtools

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestLogBuffer_DropsOldest(t *testing.T) {
	t.Parallel()
	b := NewLogBuffer(3)
	for i := range 5 {
		b.Add(Entry{Type: EntryResponse, Endpoint: fmt.Sprintf("e%d", i)})
	}
	got := b.Recent(0)
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	for i, want := range []string{"e2", "e3", "e4"} {
		if got[i].Endpoint != want {
			t.Errorf("entry %d = %q, want %q", i, got[i].Endpoint, want)
		}
	}
	if got[0].Timestamp.IsZero() {
		t.Error("timestamp not stamped")
	}
}

func TestLogBuffer_RecentLimit(t *testing.T) {
	t.Parallel()
	b := NewLogBuffer(0)
	for i := range 4 {
		b.Add(Entry{Endpoint: fmt.Sprintf("e%d", i)})
	}
	got := b.Recent(2)
	if len(got) != 2 || got[0].Endpoint != "e2" || got[1].Endpoint != "e3" {
		t.Errorf("Recent(2) = %+v", got)
	}
	if n := len(b.Recent(10)); n != 4 {
		t.Errorf("Recent(10) len = %d, want 4", n)
	}

	b.Clear()
	if b.Len() != 0 {
		t.Errorf("Len after Clear = %d", b.Len())
	}
}

func TestEntry_MarshalDuration(t *testing.T) {
	t.Parallel()
	e := Entry{
		Timestamp: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Type:      EntryError,
		Endpoint:  "deepgram.usage",
		Duration:  1500 * time.Millisecond,
	}
	data, err := json.Marshal(e)
	if err != nil {
		t.Fatal(err)
	}
	s := string(data)
	if !strings.Contains(s, `"duration_ms":1500`) || !strings.Contains(s, `"endpoint":"deepgram.usage"`) {
		t.Errorf("json = %s", s)
	}
}
