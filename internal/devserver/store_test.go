package devserver

import (
	"testing"
	"time"

	"github.com/lumenlms/lumen/internal/progress"
)

func TestMergeSave(t *testing.T) {
	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name     string
		existing progress.Record
		in       progress.SaveInput
		want     progress.Record
	}{
		{
			name: "first save",
			in:   progress.SaveInput{LastPosition: 10, Duration: 100},
			want: progress.Record{VideoID: "v", LastPosition: 10, Duration: 100, UpdatedAt: at},
		},
		{
			name: "threshold completes",
			in:   progress.SaveInput{LastPosition: 95, Duration: 100},
			want: progress.Record{VideoID: "v", LastPosition: 95, Duration: 100, Completed: true, UpdatedAt: at},
		},
		{
			name:     "unknown duration keeps stored one",
			existing: progress.Record{Duration: 100},
			in:       progress.SaveInput{LastPosition: 96},
			want:     progress.Record{VideoID: "v", LastPosition: 96, Duration: 100, Completed: true, UpdatedAt: at},
		},
		{
			name:     "completion is sticky",
			existing: progress.Record{Duration: 100, Completed: true},
			in:       progress.SaveInput{LastPosition: 1, Duration: 100},
			want:     progress.Record{VideoID: "v", LastPosition: 1, Duration: 100, Completed: true, UpdatedAt: at},
		},
		{
			name: "negative values clamp to zero",
			in:   progress.SaveInput{LastPosition: -5, Duration: -1},
			want: progress.Record{VideoID: "v", UpdatedAt: at},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := mergeSave(tt.existing, "v", tt.in, at); got != tt.want {
				t.Errorf("mergeSave() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestParseClientInfo(t *testing.T) {
	tests := []struct {
		name       string
		userAgent  string
		wantMobile bool
		browser    string
	}{
		{
			name:      "desktop firefox",
			userAgent: "Mozilla/5.0 (X11; Linux x86_64; rv:120.0) Gecko/20100101 Firefox/120.0",
			browser:   "Firefox 120.0",
		},
		{
			name:       "iphone safari",
			userAgent:  "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Mobile/15E148 Safari/604.1",
			wantMobile: true,
			browser:    "Safari 17.0",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseClientInfo(tt.userAgent)
			if got.Mobile != tt.wantMobile {
				t.Errorf("Mobile = %v, want %v", got.Mobile, tt.wantMobile)
			}
			if got.Browser != tt.browser {
				t.Errorf("Browser = %q, want %q", got.Browser, tt.browser)
			}
			if got.Platform == "" {
				t.Error("expected a platform")
			}
		})
	}

	if got := ParseClientInfo(""); got != (ClientInfo{}) {
		t.Errorf("expected zero value for empty agent, got %+v", got)
	}
}

func TestCoursePercent(t *testing.T) {
	if got := coursePercent(0, 0); got != 0 {
		t.Errorf("expected 0 for empty course, got %v", got)
	}
	if got := coursePercent(1, 3); got < 33.3 || got > 33.4 {
		t.Errorf("expected ~33.3, got %v", got)
	}
}
