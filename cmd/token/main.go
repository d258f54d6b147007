// Command token prints a relay access token for local development.
//
//	token [-subject console] [-scope devices:write -scope telemetry:write]
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"fleetsync/internal/auth"
	"fleetsync/pkg/config"
)

type scopeList []string

func (s *scopeList) String() string { return strings.Join(*s, ",") }

func (s *scopeList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func main() {
	var scopes scopeList
	subject := flag.String("subject", "dev-console", "token subject")
	flag.Var(&scopes, "scope", "scope to grant (repeatable)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if cfg.Relay.JWTSecret == "" {
		fmt.Fprintln(os.Stderr, "RELAY_JWT_SECRET is required")
		os.Exit(1)
	}

	tok, err := auth.NewService(cfg.Relay.JWTSecret, cfg.Relay.TokenExpiry).IssueToken(*subject, scopes...)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Println(tok.AccessToken)
}
