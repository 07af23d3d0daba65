package validation

import (
	"errors"
	"testing"
	"time"

	bferrors "github.com/vnykmshr/bucketflow/pkg/common/errors"
)

func TestValidatePositive(t *testing.T) {
	tests := []struct {
		name      string
		value     int64
		wantError bool
	}{
		{"positive value", 10, false},
		{"positive value 1", 1, false},
		{"zero value", 0, true},
		{"negative value", -1, true},
		{"large positive", 1 << 62, false},
		{"large negative", -(1 << 62), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePositive("bucket", "capacity", tt.value)
			checkResult(t, err, tt.wantError)
		})
	}
}

func TestValidateNonNegative(t *testing.T) {
	tests := []struct {
		name      string
		value     int64
		wantError bool
	}{
		{"positive value", 10, false},
		{"zero value", 0, false},
		{"negative value", -1, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateNonNegative("bucket", "initialTokens", tt.value)
			checkResult(t, err, tt.wantError)
		})
	}
}

func TestValidateDurations(t *testing.T) {
	tests := []struct {
		name        string
		value       time.Duration
		positiveErr bool
		nonNegErr   bool
	}{
		{"one second", time.Second, false, false},
		{"one nanosecond", time.Nanosecond, false, false},
		{"zero", 0, true, false},
		{"negative", -time.Millisecond, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checkResult(t, ValidatePositiveDuration("bucket", "period", tt.value), tt.positiveErr)
			checkResult(t, ValidateNonNegativeDuration("proxy", "timeout", tt.value), tt.nonNegErr)
		})
	}
}

func TestValidateNotNil(t *testing.T) {
	tests := []struct {
		name      string
		value     interface{}
		wantError bool
	}{
		{"non-nil int", 123, false},
		{"non-nil struct", struct{}{}, false},
		{"nil value", nil, true},
		{"nil pointer", (*int)(nil), false}, // typed nil is not nil interface
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checkResult(t, ValidateNotNil("proxy", "factory", tt.value), tt.wantError)
		})
	}
}

func TestValidateNotEmpty(t *testing.T) {
	checkResult(t, ValidateNotEmpty("redis", "prefix", "bucket:"), false)
	checkResult(t, ValidateNotEmpty("redis", "prefix", " "), false)
	checkResult(t, ValidateNotEmpty("redis", "prefix", ""), true)
}

func TestValidationErrorDetails(t *testing.T) {
	err := ValidatePositive("bucket", "capacity", -5)

	var valErr *bferrors.ValidationError
	if !errors.As(err, &valErr) {
		t.Fatalf("expected ValidationError, got %T", err)
	}
	if valErr.Module != "bucket" {
		t.Errorf("Module = %q, want %q", valErr.Module, "bucket")
	}
	if valErr.Field != "capacity" {
		t.Errorf("Field = %q, want %q", valErr.Field, "capacity")
	}
	if valErr.Value != int64(-5) {
		t.Errorf("Value = %v, want %v", valErr.Value, -5)
	}
	if valErr.Reason != "must be positive" {
		t.Errorf("Reason = %q, want %q", valErr.Reason, "must be positive")
	}
	if valErr.Hint != "value must be greater than 0" {
		t.Errorf("Hint = %q", valErr.Hint)
	}

	err = ValidateNotEmpty("config", "key", "")
	if !errors.As(err, &valErr) || valErr.Hint != "provide a non-empty key" {
		t.Errorf("unexpected hint for empty key: %v", err)
	}
}

func checkResult(t *testing.T, err error, wantError bool) {
	t.Helper()
	if !wantError {
		if err != nil {
			t.Errorf("expected no error, got %v", err)
		}
		return
	}
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !bferrors.IsValidationError(err) {
		t.Errorf("expected ValidationError, got %T", err)
	}
	if !errors.Is(err, bferrors.ErrInvalidConfiguration) {
		t.Error("validation errors should wrap ErrInvalidConfiguration")
	}
}
