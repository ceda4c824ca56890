package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Mindburn-Labs/strata/pkg/auth"
)

// runTokenCmd mints a development JWT signed with STRATA_JWT_SECRET.
func runTokenCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("token", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		subject string
		tenant  string
		roles   string
		ttl     time.Duration
	)
	cmd.StringVar(&subject, "subject", "dev", "Token subject")
	cmd.StringVar(&tenant, "tenant", "", "Tenant ID the token acts for (REQUIRED)")
	cmd.StringVar(&roles, "roles", "admin", "Comma-separated roles")
	cmd.DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if tenant == "" {
		fmt.Fprintln(stderr, "Error: --tenant is required")
		cmd.Usage()
		return 2
	}
	secret := os.Getenv("STRATA_JWT_SECRET")
	if secret == "" {
		fmt.Fprintln(stderr, "Error: STRATA_JWT_SECRET must be set")
		return 2
	}

	validator := auth.NewValidator([]byte(secret))
	now := time.Now()
	token, err := validator.Sign(auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		TenantID: tenant,
		Roles:    splitRoles(roles),
	})
	if err != nil {
		fmt.Fprintf(stderr, "Error signing token: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, token)
	return 0
}

func splitRoles(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
