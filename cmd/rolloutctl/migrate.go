package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/GoCodeAlone/rollout/migration"
)

func runMigrate(args []string) error {
	var g globalFlags
	fs := newFlagSet("migrate", &g)
	target := fs.String("target", "", "Target version (up: apply up to it; down: reverse everything above it)")
	steps := fs.Int("steps", 1, "Number of migrations to reverse with down when --target is not set")
	from := fs.String("from", "", "create: DDL snapshot of the current schema")
	to := fs.String("to", "", "create: DDL snapshot of the desired schema")
	asJSON := fs.Bool("json", false, "status/validate/log: print JSON")
	timeout := fs.Duration("timeout", 10*time.Minute, "Give up after this long")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: rolloutctl migrate <subcommand> [options] [args]

Manage database schema migrations.

Subcommands:
  up          Apply pending migrations (whole batch in one transaction,
              or one at a time with migrations.mode: cooperative)
  down        Reverse the latest --steps migrations, or everything above --target
  status      Show applied, pending and rolled back migrations
  validate    Compare applied checksums with the migration files
  create      Write a new up/down pair: create [--from old.sql --to new.sql] NAME
  log         Show the execution log, optionally for one migration id

Examples:
  rolloutctl migrate up
  rolloutctl migrate down --steps 2
  rolloutctl migrate create add_orders_table
  rolloutctl migrate create --from schema_v1.sql --to schema_v2.sql orders_index

Options:
`)
		fs.PrintDefaults()
	}

	if len(args) == 0 {
		fs.Usage()
		return fmt.Errorf("subcommand required: up, down, status, validate, create or log")
	}
	subcmd := args[0]
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}

	a, err := newApp(&g)
	if err != nil {
		return err
	}
	defer a.Close()

	if subcmd == "create" {
		return migrateCreate(a.cfg.Migrations.Dir, fs.Args(), *from, *to)
	}

	ctx, cancel := signalContext(*timeout)
	defer cancel()

	runner, store, err := a.runner(ctx, nil)
	if err != nil {
		return err
	}

	switch subcmd {
	case "up":
		return a.migrator(runner)(ctx, *target)
	case "down":
		return runner.Rollback(ctx, migration.RollbackOptions{TargetVersion: *target, Steps: *steps})
	case "status":
		return migrateStatus(ctx, runner, *asJSON)
	case "validate":
		return migrateValidate(ctx, runner, *asJSON)
	case "log":
		return migrateLog(ctx, store, fs.Arg(0), *asJSON)
	default:
		fs.Usage()
		return fmt.Errorf("unknown subcommand: %s", subcmd)
	}
}

func migrateCreate(dir string, args []string, from, to string) error {
	if len(args) == 0 {
		return errors.New("create: migration name required")
	}
	name := strings.Join(args, " ")

	var (
		id  string
		err error
	)
	switch {
	case from == "" && to == "":
		id, err = migration.Create(dir, name, time.Now())
	case from == "" || to == "":
		return errors.New("create: --from and --to must be given together")
	default:
		oldDDL, rerr := os.ReadFile(from)
		if rerr != nil {
			return rerr
		}
		newDDL, rerr := os.ReadFile(to)
		if rerr != nil {
			return rerr
		}
		up, down := migration.DiffSchemas(string(oldDDL), string(newDDL))
		if strings.TrimSpace(up) == "" {
			return errors.New("create: the two schemas have no differences")
		}
		id, err = migration.CreateWithScripts(dir, name, up, down, time.Now())
	}
	if err != nil {
		return err
	}
	fmt.Printf("Created %s/%s_up.sql and %s_down.sql\n", dir, id, id)
	return nil
}

func migrateStatus(ctx context.Context, runner *migration.Runner, asJSON bool) error {
	st, err := runner.Status(ctx)
	if err != nil {
		return err
	}
	if asJSON {
		return printJSON(st)
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STATE\tID\tCHECKSUM\tAT")
	for _, m := range st.Applied {
		fmt.Fprintf(tw, "applied\t%s\t%s\t%s\n", m.ID, shortChecksum(m.Checksum), formatTime(m.AppliedAt))
	}
	for _, m := range st.RolledBack {
		fmt.Fprintf(tw, "rolled back\t%s\t%s\t%s\n", m.ID, shortChecksum(m.Checksum), formatTime(m.RolledBackAt))
	}
	for _, m := range st.Pending {
		fmt.Fprintf(tw, "pending\t%s\t%s\t-\n", m.ID, shortChecksum(m.Checksum))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Printf("\n%d applied, %d pending, %d rolled back\n", len(st.Applied), len(st.Pending), len(st.RolledBack))
	return nil
}

func migrateValidate(ctx context.Context, runner *migration.Runner, asJSON bool) error {
	report, err := runner.Validate(ctx)
	if err != nil {
		return err
	}
	if asJSON {
		if err := printJSON(report); err != nil {
			return err
		}
	} else {
		for _, p := range report.Problems {
			fmt.Println("  " + p.String())
		}
		fmt.Printf("%d applied migration(s) checked, %d problem(s)\n", report.Checked, len(report.Problems))
	}
	if !report.Valid() {
		return &migration.DriftError{Report: report}
	}
	return nil
}

func migrateLog(ctx context.Context, store *migration.SQLStore, id string, asJSON bool) error {
	entries, err := store.Log(ctx, id)
	if err != nil {
		return err
	}
	if asJSON {
		return printJSON(entries)
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "MIGRATION\tACTION\tSTARTED\tCOMPLETED\tBY\tERROR")
	for _, e := range entries {
		errMsg := ""
		if e.ErrorMessage != nil {
			errMsg = *e.ErrorMessage
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", e.MigrationID, e.Action,
			e.StartedAt.Format(time.RFC3339), formatTime(e.CompletedAt), e.ExecutedBy, errMsg)
	}
	return tw.Flush()
}

func shortChecksum(c string) string {
	if len(c) > 12 {
		return c[:12]
	}
	return c
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format(time.RFC3339)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
