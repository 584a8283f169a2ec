package alert

import (
	"testing"

	stamperr "github.com/stampstore/stampstore/internal/errors"
)

func TestReverseCandid(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"123456", "654321"},
		{"654321", "123456"},
		{"100", "001"},
		{"7", "7"},
		{"516167660315010003", "300010513066761615"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ReverseCandid(tt.in)
			if err != nil {
				t.Fatalf("ReverseCandid(%q) error: %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("ReverseCandid(%q) = %q, want %q", tt.in, got, tt.want)
			}
			back, err := ReverseCandid(got)
			if err != nil {
				t.Fatalf("re-reversing %q: %v", got, err)
			}
			if back != tt.in {
				t.Errorf("re-reversal = %q, want %q", back, tt.in)
			}
		})
	}
}

func TestReverseCandidRejectsNonDigits(t *testing.T) {
	for _, in := range []string{"", "12a4", "-123", "1.5", " 12"} {
		if _, err := ReverseCandid(in); !stamperr.Is(err, stamperr.ErrInvalidKey) {
			t.Errorf("ReverseCandid(%q) error = %v, want ErrInvalidKey", in, err)
		}
	}
}

func TestObjectName(t *testing.T) {
	name, err := ObjectName("123456")
	if err != nil {
		t.Fatalf("ObjectName: %v", err)
	}
	if name != "654321.avro" {
		t.Errorf("ObjectName = %q, want 654321.avro", name)
	}
}

func TestNewKey(t *testing.T) {
	k, err := NewKey("ztf", " ZTF18aaccpyz ", " 516167660315010003")
	if err != nil {
		t.Fatalf("NewKey: %v", err)
	}
	if k.Oid != "ZTF18aaccpyz" || k.Candid != "516167660315010003" {
		t.Errorf("NewKey trimmed fields = %+v", k)
	}
	if k.ObjectName() != "300010513066761615.avro" {
		t.Errorf("ObjectName() = %q", k.ObjectName())
	}
	if _, err := NewKey("ztf", "", "abc"); !stamperr.Is(err, stamperr.ErrInvalidKey) {
		t.Errorf("NewKey with bad candid error = %v", err)
	}
	for _, oid := range []string{"../etc", "ZTF/18", "a b", ".."} {
		if _, err := NewKey("ztf", oid, "1"); !stamperr.Is(err, stamperr.ErrInvalidKey) {
			t.Errorf("NewKey(oid=%q) error = %v, want ErrInvalidKey", oid, err)
		}
	}
}
