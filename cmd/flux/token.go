package main

import (
	"fmt"
	"time"

	"github.com/fluxworkflow/flux/internal/config"
	"github.com/fluxworkflow/flux/internal/transport"
)

// runToken mints a bootstrap token an operator passes to a worker process via
// FLUX_BOOTSTRAP_TOKEN. It reads FLUX_JWT_SECRET from the same environment the
// server itself uses, so it must run on (or with the secret copied from) the
// server's host.
func runToken(args []string) error {
	if len(args) != 2 || args[0] != "issue" {
		return fmt.Errorf("usage: token issue <worker-name>")
	}
	cfg := config.ServerFromEnv()
	issuer := transport.NewTokenIssuer(cfg.JWTSecret, 5*time.Minute)
	token, err := issuer.Issue(args[1])
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}
