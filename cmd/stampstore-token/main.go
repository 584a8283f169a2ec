// Package main is the entry point for stampstore-token, the bearer token tool.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/stampstore/stampstore/internal/auth"
)

func resolveSecret(configPath string) (string, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return "", err
	}
	var raw map[string]any
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &raw); err != nil {
		return "", err
	}
	authSection, _ := raw["auth"].(map[string]any)
	secret, _ := authSection["secret_key"].(string)
	if secret == "" {
		return "", fmt.Errorf("auth.secret_key is not set in %s", configPath)
	}
	return secret, nil
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "Usage: stampstore-token <issue|verify> [flags]")
		os.Exit(1)
	}

	switch command := os.Args[1]; command {
	case "issue":
		os.Exit(runIssue(os.Args[2:], os.Stdout))
	case "verify":
		os.Exit(runVerify(os.Args[2:], os.Stdout))
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\nUsage: stampstore-token <issue|verify> [flags]\n", command)
		os.Exit(1)
	}
}

func secretFrom(configPath, override string) (string, error) {
	if override != "" {
		return override, nil
	}
	return resolveSecret(configPath)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func runIssue(args []string, out io.Writer) int {
	fs := flag.NewFlagSet("issue", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Config file path")
	secret := fs.String("secret", "", "Signing secret (overrides config)")
	subject := fs.String("subject", "", "Token subject")
	filters := fs.String("filters", "", "Comma-separated survey filters, e.g. filter_atlas_stamp,filter_atlas_avro or *")
	permissions := fs.String("permissions", "", "Comma-separated permissions")
	ttl := fs.Duration("ttl", 24*time.Hour, "Token lifetime")
	fs.Parse(args)

	if *ttl <= 0 {
		fmt.Fprintln(os.Stderr, "Error: -ttl must be positive")
		return 1
	}
	key, err := secretFrom(*configPath, *secret)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading config: %v\n", err)
		return 1
	}

	now := time.Now().UTC()
	claims := &auth.Claims{
		Permissions: splitList(*permissions),
		Filters:     splitList(*filters),
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   *subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(*ttl)),
		},
	}
	token, err := auth.NewVerifier(key).Sign(claims)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error signing token: %v\n", err)
		return 1
	}
	fmt.Fprintln(out, token)
	return 0
}

func runVerify(args []string, out io.Writer) int {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Config file path")
	secret := fs.String("secret", "", "Signing secret (overrides config)")
	fs.Parse(args)

	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: stampstore-token verify [flags] <token>")
		return 1
	}
	key, err := secretFrom(*configPath, *secret)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading config: %v\n", err)
		return 1
	}

	claims, err := auth.NewVerifier(key).Verify(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Fprintf(out, "subject: %s\n", claims.Subject)
	fmt.Fprintf(out, "filters: %s\n", strings.Join(claims.Filters, ","))
	if claims.ExpiresAt != nil {
		fmt.Fprintf(out, "expires: %s\n", claims.ExpiresAt.Time.Format(time.RFC3339))
	}
	return 0
}
