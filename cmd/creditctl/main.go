// Command creditctl is the operator CLI for the credit ledger. Every balance
// change goes through the ledger service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/google/uuid"

	"github.com/inaiurai/creditcore/internal/config"
	"github.com/inaiurai/creditcore/internal/database"
	"github.com/inaiurai/creditcore/internal/identity"
	"github.com/inaiurai/creditcore/internal/ledger"
	"github.com/inaiurai/creditcore/internal/logger"
)

const usage = `Usage: creditctl [-config path] <command> [flags]

Commands:
  grant       -user ID -amount N -ref REF [-kind grant|refund]
  bulk-grant  -f grants.yaml
  balance     -user ID
  history     -user ID
  add-code    -code CODE -amount N
  token       -user ID [-ttl 24h]
`

var errUsage = errors.New("usage")

func main() {
	configFlag := flag.String("config", "", "config file (default $CREDITCORE_CONFIG or ./config.yaml)")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()
	log := logger.NewDefault()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}
	cfg, err := config.Load(config.ResolvePath(*configFlag))
	if err != nil {
		log.Error("load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cmd, args := flag.Arg(0), flag.Args()[1:]
	err = dispatch(ctx, cmd, args, cfg, os.Stdout, log)
	if errors.Is(err, errUsage) {
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		log.Error(cmd+" failed", "error", err)
		os.Exit(1)
	}
}

func dispatch(ctx context.Context, cmd string, args []string, cfg *config.Config, out io.Writer, log *slog.Logger) error {
	if cmd == "token" {
		return runToken(args, cfg, out)
	}

	pool, err := database.Connect(ctx, cfg.Database.URL, database.PoolConfig{MaxConns: 4})
	if err != nil {
		return err
	}
	defer pool.Close()

	repo := ledger.NewRepository(pool)
	svc := ledger.NewService(repo,
		ledger.WithLogger(log),
		ledger.WithDefaultCredits(cfg.Ledger.DefaultCredits),
		ledger.WithMaxAttempts(cfg.Ledger.MaxAttempts),
	)
	c := &cli{svc: svc, codes: repo, out: out}

	switch cmd {
	case "grant":
		return c.grant(ctx, args)
	case "bulk-grant":
		return c.bulkGrant(ctx, args)
	case "balance":
		return c.balance(ctx, args)
	case "history":
		return c.history(ctx, args)
	case "add-code":
		return c.addCode(ctx, args)
	}
	return fmt.Errorf("%w: unknown command %q", errUsage, cmd)
}

func runToken(args []string, cfg *config.Config, out io.Writer) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	user := fs.String("user", "", "user id")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	id, err := uuid.Parse(*user)
	if err != nil {
		return fmt.Errorf("invalid -user: %w", err)
	}
	if cfg.Identity.JWTSecret == "" {
		return errors.New("identity.jwt_secret is not configured")
	}
	tok, err := identity.NewJWT(cfg.Identity.JWTSecret).Issue(id, *ttl)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, tok)
	return nil
}
