package validation

import (
	"errors"
	"strings"
	"testing"
)

type fix struct {
	Lat    float64 `validate:"latitude"`
	Lon    float64 `validate:"longitude"`
	Action string  `validate:"oneof=hide discard"`
}

func TestValidateStruct(t *testing.T) {
	if err := ValidateStruct(&fix{Lat: 52.1, Lon: 5.1, Action: "hide"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	err := ValidateStruct(&fix{Lat: 91, Lon: 5.1, Action: "drop"})
	var verr *Error
	if !errors.As(err, &verr) {
		t.Fatalf("expected *Error, got %T", err)
	}
	if len(verr.Fields) != 2 {
		t.Fatalf("expected 2 field errors, got %d", len(verr.Fields))
	}
	if !strings.Contains(err.Error(), "Lat must be a valid latitude") {
		t.Fatalf("unexpected message: %s", err.Error())
	}
	if !strings.Contains(err.Error(), "Action must be one of: hide discard") {
		t.Fatalf("unexpected message: %s", err.Error())
	}
}
