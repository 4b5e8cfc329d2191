package services

import (
	"errors"
	"testing"
	"time"

	"github.com/trackserver/trackserver/types"
)

func errorsIsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

func TestFormatTrackName(t *testing.T) {
	at := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)
	tests := []struct {
		template, source, want string
	}{
		{"{source} %F", "OsmAnd", "OsmAnd 2024-01-15"},
		{"Tracks %Y/%m", "", "Tracks 2024/01"},
		{"{source} %F %H:%M", "50% battery", "50% battery 2024-01-15 10:30"},
		{"plain", "OwnTracks", "plain"},
		{"{source} %Q", "Traccar", "Traccar %Q"},
	}
	for _, tt := range tests {
		if got := FormatTrackName(tt.template, tt.source, at); got != tt.want {
			t.Errorf("FormatTrackName(%q, %q) = %q, want %q", tt.template, tt.source, got, tt.want)
		}
	}
}

func TestTrackNamerUsesProfileTemplate(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	at := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)
	user := f.addUser(t, "gina", "")

	if got := f.namer.Name(ctx, user.ID, "OsmAnd", at); got != "OsmAnd 2024-01-15" {
		t.Fatalf("default template: got %q", got)
	}

	if err := f.settings.SetProfile(ctx, user.ID, types.Profile{TrackNameTemplate: "%Y-%m"}); err != nil {
		t.Fatal(err)
	}
	if got := f.namer.Name(ctx, user.ID, "OsmAnd", at); got != "2024-01" {
		t.Fatalf("profile template: got %q", got)
	}
}
