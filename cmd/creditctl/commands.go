package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/inaiurai/creditcore/internal/ledger"
	"github.com/inaiurai/creditcore/internal/models"
)

// codeStore is the part of the ledger repository that manages one-time codes.
type codeStore interface {
	CreateCode(ctx context.Context, code *models.OneTimeCode) error
}

type cli struct {
	svc   ledger.Service
	codes codeStore
	out   io.Writer
}

type bulkFile struct {
	Grants []ledger.GrantInput `yaml:"grants"`
}

func parseUser(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid -user %q: %w", s, err)
	}
	return id, nil
}

func (c *cli) grant(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("grant", flag.ContinueOnError)
	user := fs.String("user", "", "user id")
	amount := fs.Int64("amount", 0, "credits to add")
	ref := fs.String("ref", "", "idempotency reference")
	kind := fs.String("kind", string(models.TransactionGrant), "grant or refund")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	id, err := parseUser(*user)
	if err != nil {
		return err
	}
	res, err := c.svc.Grant(ctx, id, *amount, *ref, models.TransactionKind(*kind))
	if err != nil {
		return err
	}
	c.printResult(res)
	return nil
}

func (c *cli) bulkGrant(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("bulk-grant", flag.ContinueOnError)
	file := fs.String("f", "", "YAML file with a top-level grants list")
	if err := fs.Parse(args); err != nil || *file == "" {
		return errUsage
	}
	grants, err := readBulkFile(*file)
	if err != nil {
		return err
	}

	results := c.svc.BulkGrant(ctx, grants)
	w := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "USER\tREFERENCE\tAMOUNT\tSTATUS\tBALANCE")
	failed := 0
	for _, r := range results {
		status, balance := "applied", ""
		switch {
		case r.Err != nil:
			status = "error: " + r.Err.Error()
			failed++
		case r.Result.AlreadyApplied:
			status = "already applied"
			balance = fmt.Sprint(r.Result.Balance)
		default:
			balance = fmt.Sprint(r.Result.Balance)
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", r.Input.UserID, r.Input.Reference, r.Input.Amount, status, balance)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d grants failed", failed, len(results))
	}
	return nil
}

func readBulkFile(path string) ([]ledger.GrantInput, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var f bulkFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(f.Grants) == 0 {
		return nil, errors.New("no grants in file")
	}
	for i := range f.Grants {
		if f.Grants[i].Kind == "" {
			f.Grants[i].Kind = models.TransactionGrant
		}
	}
	return f.Grants, nil
}

func (c *cli) balance(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("balance", flag.ContinueOnError)
	user := fs.String("user", "", "user id")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	id, err := parseUser(*user)
	if err != nil {
		return err
	}
	bal, err := c.svc.GetBalance(ctx, id)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "%s\t%d\n", bal.UserID, bal.Credits)
	return nil
}

func (c *cli) history(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	user := fs.String("user", "", "user id")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	id, err := parseUser(*user)
	if err != nil {
		return err
	}
	txs, err := c.svc.ListTransactions(ctx, id)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tKIND\tAMOUNT\tBEFORE\tAFTER\tREFERENCE")
	for _, tx := range txs {
		fmt.Fprintf(w, "%s\t%s\t%+d\t%d\t%d\t%s\n",
			tx.CreatedAt.Format(time.RFC3339), tx.Kind, tx.Amount, tx.BalanceBefore, tx.BalanceAfter, tx.Reference)
	}
	return w.Flush()
}

func (c *cli) addCode(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("add-code", flag.ContinueOnError)
	code := fs.String("code", "", "code string")
	amount := fs.Int64("amount", 0, "credits granted on redemption")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if *code == "" || *amount <= 0 {
		return fmt.Errorf("%w: -code and a positive -amount are required", ledger.ErrInvalidInput)
	}
	if err := c.codes.CreateCode(ctx, &models.OneTimeCode{Code: *code, Active: true, GrantAmount: *amount}); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "code %s: %d credits\n", *code, *amount)
	return nil
}

func (c *cli) printResult(res *ledger.Result) {
	if res.AlreadyApplied {
		fmt.Fprintf(c.out, "already applied (reference %s), balance %d\n", res.Transaction.Reference, res.Balance)
		return
	}
	fmt.Fprintf(c.out, "%s %+d, balance %d\n", res.Transaction.Kind, res.Transaction.Amount, res.Balance)
}
