package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/nerrad567/phyn-bridge/internal/auth"
)

// runToken implements "phynbridge token", which mints an API bearer token.
//
//	phynbridge token -subject home-assistant -role operator -ttl 8760h
//
// The signing secret defaults to PHYNBRIDGE_API_JWT_SECRET.
func runToken(args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	fs.SetOutput(stderr)
	subject := fs.String("subject", "", "token subject, recorded in the audit log")
	role := fs.String("role", string(auth.RoleViewer), "viewer or operator")
	ttl := fs.Duration("ttl", auth.DefaultTokenTTL, "token lifetime")
	secret := fs.String("secret", os.Getenv("PHYNBRIDGE_API_JWT_SECRET"), "signing secret")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *subject == "" {
		return errors.New("-subject is required")
	}
	if *secret == "" {
		return errors.New("-secret or PHYNBRIDGE_API_JWT_SECRET is required")
	}

	token, err := auth.IssueToken(*subject, auth.Role(*role), *secret, *ttl)
	if err != nil {
		return fmt.Errorf("issuing token: %w", err)
	}
	fmt.Fprintln(stdout, token)
	fmt.Fprintf(stderr, "expires %s\n", time.Now().Add(*ttl).UTC().Format(time.RFC3339))
	return nil
}
