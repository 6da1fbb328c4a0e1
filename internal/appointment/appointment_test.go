package appointment

import (
	"testing"
	"time"
)

func TestStatusRoundTrip(t *testing.T) {
	t.Parallel()

	for s, name := range statusNames {
		got, err := ParseStatus(name)
		if err != nil {
			t.Fatalf("ParseStatus(%q): %v", name, err)
		}
		if got != s {
			t.Fatalf("ParseStatus(%q) = %v, want %v", name, got, s)
		}
	}
	for in, want := range map[string]Status{"NoShow": NoShow, "InProgress": InProgress, " Cancelled ": Cancelled, "no_show": NoShow} {
		got, err := ParseStatus(in)
		if err != nil || got != want {
			t.Fatalf("ParseStatus(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseStatus("archived"); err == nil {
		t.Fatalf("expected error for unknown status")
	}
}

func TestDateTime(t *testing.T) {
	t.Parallel()

	a := Appointment{ID: "1", Date: "2025-08-05", Time: "14:30"}
	got, err := a.DateTime(time.UTC)
	if err != nil {
		t.Fatalf("DateTime: %v", err)
	}
	want := time.Date(2025, 8, 5, 14, 30, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("DateTime = %s, want %s", got, want)
	}

	for _, bad := range []Appointment{{Date: "05/08/2025", Time: "14:30"}, {Date: "2025-08-05", Time: "2pm"}, {}} {
		if _, err := bad.DateTime(time.UTC); err == nil {
			t.Fatalf("expected error for %q %q", bad.Date, bad.Time)
		}
	}
}

func TestPastDue(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 8, 5, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		name string
		a    Appointment
		want bool
	}{
		{"scheduled past", Appointment{Date: "2025-08-05", Time: "11:59", Status: Scheduled}, true},
		{"scheduled exactly now", Appointment{Date: "2025-08-05", Time: "12:00", Status: Scheduled}, false},
		{"scheduled future", Appointment{Date: "2025-08-06", Time: "09:00", Status: Scheduled}, false},
		{"cancelled past", Appointment{Date: "2025-08-01", Time: "09:00", Status: Cancelled}, false},
		{"in progress past", Appointment{Date: "2025-08-01", Time: "09:00", Status: InProgress}, false},
		{"garbage date", Appointment{Date: "soon", Time: "09:00", Status: Scheduled}, false},
	}
	for _, tc := range cases {
		if got := tc.a.PastDue(now, time.UTC); got != tc.want {
			t.Fatalf("%s: PastDue = %v, want %v", tc.name, got, tc.want)
		}
	}
}
