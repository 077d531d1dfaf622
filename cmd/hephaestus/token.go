package main

import (
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/IAmJonoBo/hephaestus/pkg/auth"
)

// runToken mints a bootstrap bearer token for a keystore entry.
func runToken(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("token", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		keystorePath string
		keyID        string
		ttl          time.Duration
		roles        multiFlag
	)
	cmd.StringVar(&keystorePath, "keystore", "", "Service-account keystore path")
	cmd.StringVar(&keyID, "key-id", "", "Key id to sign with (REQUIRED)")
	cmd.DurationVar(&ttl, "ttl", auth.DefaultTokenTTL, "Token lifetime")
	cmd.Var(&roles, "role", "Role to assert (repeatable; defaults to every granted role)")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if keyID == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --key-id is required")
		return 2
	}

	keystore, err := auth.NewKeyStore(keystorePath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: cannot load keystore: %v\n", err)
		return 1
	}

	key := keystore.Get(keyID)
	if key == nil {
		_, _ = fmt.Fprintf(stderr, "Error: key %q not found in %s\n", keyID, keystore.Path())
		return 1
	}

	token, err := auth.GenerateToken(key, auth.TokenOptions{Roles: roles, TTL: ttl})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	_, _ = fmt.Fprintln(stdout, token)
	return 0
}
