package errors

import (
	"fmt"
	"net/http"
	"strings"
	"testing"
)

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"invalid key", fmt.Errorf("candid %q: %w", "12a", ErrInvalidKey), http.StatusBadRequest},
		{"unknown type", ErrUnknownCutoutType, http.StatusBadRequest},
		{"bad format", ErrInvalidFormat, http.StatusBadRequest},
		{"unknown survey", ErrUnknownSurvey, http.StatusBadRequest},
		{"not found", fmt.Errorf("all tiers: %w", ErrRecordNotFound), http.StatusNotFound},
		{"decode", fmt.Errorf("reading: %w", ErrDecode), http.StatusInternalServerError},
		{"forbidden", ErrForbidden, http.StatusForbidden},
		{"unauthorized", ErrUnauthorized, http.StatusUnauthorized},
		{"opaque", fmt.Errorf("dial tcp: refused"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err).HTTPStatus; got != tt.want {
				t.Errorf("Classify(%v).HTTPStatus = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}

func TestClassifyHidesInternalDetail(t *testing.T) {
	se := Classify(fmt.Errorf("s3 get: secret-bucket exploded"))
	if se.Code != "InternalError" {
		t.Fatalf("Code = %q, want InternalError", se.Code)
	}
	if se.Message == "s3 get: secret-bucket exploded" {
		t.Error("internal error message leaked to client")
	}
	if !Is(se, se.Err) {
		t.Error("StampError should unwrap to its cause")
	}
}

func TestClassifyNil(t *testing.T) {
	if se := Classify(nil); se != nil {
		t.Errorf("Classify(nil) = %v, want nil", se)
	}
}

func TestClassifyKeepsClientMessage(t *testing.T) {
	se := Classify(fmt.Errorf("stamp type %q: %w", "bogus", ErrUnknownCutoutType))
	if se.Message != `stamp type "bogus": unrecognized stamp type` {
		t.Errorf("Message = %q", se.Message)
	}
}

func TestIsOriginFailure(t *testing.T) {
	for _, err := range []error{ErrOriginMismatch, ErrOriginMalformed, fmt.Errorf("x: %w", ErrOriginUnavailable)} {
		if !IsOriginFailure(err) {
			t.Errorf("IsOriginFailure(%v) = false", err)
		}
	}
	if IsOriginFailure(ErrNotFound) {
		t.Error("ErrNotFound is not an origin failure")
	}
}

func TestClassifyNotFoundIsUniform(t *testing.T) {
	for _, err := range []error{
		fmt.Errorf("ztf/123: %w", ErrRecordNotFound),
		fmt.Errorf("object store ztf-avro/321.avro: %w", ErrNotFound),
	} {
		se := Classify(err)
		if se.HTTPStatus != http.StatusNotFound {
			t.Errorf("HTTPStatus(%v) = %d", err, se.HTTPStatus)
		}
		if strings.Contains(se.Message, "ztf") {
			t.Errorf("Message %q leaks the lookup detail", se.Message)
		}
	}
}
