// Command token issues a bearer token for an operator or a worker, signed
// with the configured JWT secret.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/phrazzld/archivist/internal/config"
	"github.com/phrazzld/archivist/internal/service/auth"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "token: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to a config file")
	role := fs.String("role", string(auth.RoleOperator), "role to grant: operator or worker")
	principal := fs.String("principal", "", "principal id (default: a new random id)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	r := auth.Role(*role)
	if !r.Valid() {
		return fmt.Errorf("%w: %q", auth.ErrInvalidRole, *role)
	}

	id := uuid.New()
	if *principal != "" {
		parsed, err := uuid.Parse(*principal)
		if err != nil {
			return fmt.Errorf("invalid principal id: %w", err)
		}
		id = parsed
	}

	cfg, err := config.LoadFile(*configPath)
	if err != nil {
		return err
	}
	svc, err := auth.NewJWTService(cfg.Auth)
	if err != nil {
		return err
	}

	tok, err := svc.GenerateToken(context.Background(), id, r)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, tok)
	return err
}
