// Package alert holds the identifiers and the decoded record of a transient
// alert, plus the helpers that turn them into storage names and cutouts.
package alert

import (
	"fmt"
	"strings"

	stamperr "github.com/stampstore/stampstore/internal/errors"
)

// Key identifies one alert record. Candid is required; Oid may be empty for
// lookups that do not need cross-validation or the disk tier.
type Key struct {
	Survey string
	Oid    string
	Candid string
}

// NewKey validates candid and returns a Key.
func NewKey(survey, oid, candid string) (Key, error) {
	candid = strings.TrimSpace(candid)
	if err := validateCandid(candid); err != nil {
		return Key{}, err
	}
	oid = strings.TrimSpace(oid)
	if err := validateOid(oid); err != nil {
		return Key{}, err
	}
	return Key{Survey: survey, Oid: oid, Candid: candid}, nil
}

// validateOid accepts letters, digits, '_' and '-'. Object ids become
// directory names on the disk tier.
func validateOid(oid string) error {
	for _, r := range oid {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
		default:
			return fmt.Errorf("oid %q: %w", oid, stamperr.ErrInvalidKey)
		}
	}
	return nil
}

// String renders the key for logs.
func (k Key) String() string {
	if k.Oid == "" {
		return k.Survey + "/" + k.Candid
	}
	return k.Survey + "/" + k.Oid + "/" + k.Candid
}

// ObjectName is the object-store name of the record: "<reversed candid>.avro".
func (k Key) ObjectName() string {
	name, _ := ObjectName(k.Candid)
	return name
}

func validateCandid(candid string) error {
	if candid == "" {
		return fmt.Errorf("candid is empty: %w", stamperr.ErrInvalidKey)
	}
	for i := 0; i < len(candid); i++ {
		if candid[i] < '0' || candid[i] > '9' {
			return fmt.Errorf("candid %q: %w", candid, stamperr.ErrInvalidKey)
		}
	}
	return nil
}

// ReverseCandid returns the decimal digits of candid in reverse order.
// Leading zeros produced by the reversal are kept ("100" -> "001"), so the
// result must never be parsed back into an integer.
func ReverseCandid(candid string) (string, error) {
	if err := validateCandid(candid); err != nil {
		return "", err
	}
	b := []byte(candid)
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
	return string(b), nil
}

// ObjectName returns the object-store name for candid. Reversing the digits
// spreads consecutive alert ids across key prefixes.
func ObjectName(candid string) (string, error) {
	rev, err := ReverseCandid(candid)
	if err != nil {
		return "", err
	}
	return rev + ".avro", nil
}
