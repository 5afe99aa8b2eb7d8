package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"extractd/internal/app"
	"extractd/internal/backend/sqlitedoc"
	"extractd/internal/config"
)

const usage = `usage:
  extractd [serve] -config PATH
  extractd seal -in DOC -out SEALED [-iterations N | -config PATH]   (credential from EXTRACTD_CREDENTIAL)
`

func main() {
	args := os.Args[1:]
	cmd := "serve"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd, args = args[0], args[1:]
	}

	var err error
	switch cmd {
	case "serve":
		err = serve(args)
	case "seal":
		err = seal(args, os.Getenv("EXTRACTD_CREDENTIAL"))
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func serve(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	cfgPath := fs.String("config", "./extractd.yaml", "path to config (yaml or json)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(*cfgPath)
	if err != nil {
		return err
	}
	return a.Run(ctx)
}

// seal reads the credential from the environment so it never shows up in
// process listings.
func seal(args []string, credential string) error {
	fs := flag.NewFlagSet("seal", flag.ContinueOnError)
	in := fs.String("in", "-", "document to seal (yaml or json), - for stdin")
	out := fs.String("out", "", "output path")
	iterations := fs.Int("iterations", sqlitedoc.DefaultIterations, "pbkdf2 iterations (overrides backend.kdf_iterations)")
	cfgPath := fs.String("config", "", "config whose backend.kdf_iterations is used when -iterations is not set")
	if err := fs.Parse(args); err != nil {
		return err
	}
	iterSet := false
	fs.Visit(func(f *flag.Flag) { iterSet = iterSet || f.Name == "iterations" })
	if *cfgPath != "" && !iterSet {
		n, err := configIterations(*cfgPath)
		if err != nil {
			return err
		}
		if n > 0 {
			*iterations = n
		}
	}
	if *out == "" {
		return errors.New("seal: -out is required")
	}
	if credential == "" {
		return errors.New("seal: EXTRACTD_CREDENTIAL is empty")
	}

	var doc []byte
	var err error
	if *in == "-" {
		doc, err = io.ReadAll(os.Stdin)
	} else {
		doc, err = os.ReadFile(*in)
	}
	if err != nil {
		return err
	}
	sealed, err := sqlitedoc.Seal(doc, credential, *iterations)
	if err != nil {
		return err
	}
	return os.WriteFile(*out, sealed, 0o600)
}

func configIterations(path string) (int, error) {
	cfg, err := config.NewManager(path).Parse()
	if err != nil {
		return 0, err
	}
	if cfg.Backend.KDFIterations < 0 {
		return 0, errors.New("seal: backend.kdf_iterations must be >= 0")
	}
	return cfg.Backend.KDFIterations, nil
}
