package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stampstore/stampstore/internal/auth"
)

func TestIssueThenVerify(t *testing.T) {
	var out bytes.Buffer
	if rc := runIssue([]string{"-secret", "s3cret", "-subject", "alice", "-filters", "filter_atlas_stamp, filter_atlas_avro"}, &out); rc != 0 {
		t.Fatalf("issue returned %d", rc)
	}
	token := strings.TrimSpace(out.String())

	claims, err := auth.NewVerifier("s3cret").Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.Subject != "alice" {
		t.Errorf("subject = %q, want alice", claims.Subject)
	}
	if !claims.HasFilter(auth.FilterAtlasStamp) || !claims.HasFilter(auth.FilterAtlasAvro) {
		t.Errorf("filters = %v", claims.Filters)
	}
	if claims.ID == "" {
		t.Error("token has no id")
	}

	out.Reset()
	if rc := runVerify([]string{"-secret", "s3cret", token}, &out); rc != 0 {
		t.Fatalf("verify returned %d", rc)
	}
	if !strings.Contains(out.String(), "subject: alice") {
		t.Errorf("verify output = %q", out.String())
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	var out bytes.Buffer
	if rc := runIssue([]string{"-secret", "one"}, &out); rc != 0 {
		t.Fatalf("issue returned %d", rc)
	}
	if rc := runVerify([]string{"-secret", "two", strings.TrimSpace(out.String())}, &out); rc == 0 {
		t.Error("verify accepted a token signed with another secret")
	}
}

func TestResolveSecret(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	t.Setenv("STAMPSTORE_TEST_SECRET", "from-env")
	if err := os.WriteFile(path, []byte("auth:\n  enabled: true\n  secret_key: ${STAMPSTORE_TEST_SECRET}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := resolveSecret(path)
	if err != nil {
		t.Fatalf("resolveSecret: %v", err)
	}
	if got != "from-env" {
		t.Errorf("secret = %q, want from-env", got)
	}

	if err := os.WriteFile(path, []byte("server:\n  port: 1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := resolveSecret(path); err == nil {
		t.Error("expected error for missing secret")
	}
}

func TestSplitList(t *testing.T) {
	got := splitList(" a, ,b ,")
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("splitList = %v", got)
	}
	if splitList("") != nil {
		t.Error("splitList of empty string should be nil")
	}
}
