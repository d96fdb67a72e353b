package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/shale-io/shale/internal/catalog"
	"github.com/shale-io/shale/internal/config"
	"github.com/shale-io/shale/internal/gc"
	"github.com/shale-io/shale/internal/kv"
	"github.com/shale-io/shale/internal/logging"
	"github.com/shale-io/shale/internal/metadata"
	"github.com/shale-io/shale/internal/rpc"
)

// adminTimeout bounds one admin command.
const adminTimeout = 30 * time.Second

// AdminOptions contains what admin commands work against.
type AdminOptions struct {
	Config    *config.Config
	Logger    *logging.Logger
	MetaStore metadata.MetadataStore
	Catalog   *catalog.Catalog
	Out       io.Writer
	JSON      bool
}

// runAdmin handles admin subcommands.
func runAdmin(args []string) {
	if len(args) < 1 {
		printAdminUsage()
		os.Exit(1)
	}

	subcommand := args[0]
	switch subcommand {
	case "tables":
		runAdminTables(args[1:])
	case "tablets":
		runAdminTablets(args[1:])
	case "flags":
		runAdminFlags(args[1:])
	case "gc":
		runAdminGC(args[1:])
	case "scans":
		runAdminScans(args[1:])
	case "help", "-h", "--help":
		printAdminUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown admin command: %s\n\n", subcommand)
		printAdminUsage()
		os.Exit(1)
	}
}

func printAdminUsage() {
	fmt.Println(`Usage: shaled admin <command> [options]

Admin commands for managing a shale cluster.

Commands:
  tables     Table management (list, create, delete)
  tablets    Tablet metadata (list, add)
  flags      Paths flagged for garbage collection (list)
  gc         Garbage collector status (status)
  scans      Active scans of a tablet server

Run 'shaled admin <command> --help' for more information on a command.`)
}

// ============================================================================
// Table Commands
// ============================================================================

func runAdminTables(args []string) {
	if len(args) < 1 {
		printTablesUsage()
		os.Exit(1)
	}

	switch args[0] {
	case "list":
		fs, configPath, jsonOutput := adminFlagSet("tables list", "List all tables.")
		parse(fs, args[1:])
		withAdmin(*configPath, *jsonOutput, func(ctx context.Context, opts *AdminOptions) error {
			return listTables(ctx, opts)
		})
	case "create":
		fs, configPath, jsonOutput := adminFlagSet("tables create", "Register a table with a single tablet.")
		id := fs.String("id", "", "Table id (required)")
		name := fs.String("name", "", "Table name (default: the id)")
		parse(fs, args[1:])
		withAdmin(*configPath, *jsonOutput, func(ctx context.Context, opts *AdminOptions) error {
			return createTable(ctx, opts, kv.TableID(*id), *name)
		})
	case "delete":
		fs, configPath, jsonOutput := adminFlagSet("tables delete", "Delete a table and flag its storage for garbage collection.")
		id := fs.String("id", "", "Table id (required)")
		parse(fs, args[1:])
		withAdmin(*configPath, *jsonOutput, func(ctx context.Context, opts *AdminOptions) error {
			return deleteTable(ctx, opts, kv.TableID(*id))
		})
	case "help", "-h", "--help":
		printTablesUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown tables command: %s\n\n", args[0])
		printTablesUsage()
		os.Exit(1)
	}
}

func printTablesUsage() {
	fmt.Println(`Usage: shaled admin tables <command> [options]

Table management commands.

Commands:
  list       List all tables
  create     Create a table
  delete     Delete a table

Run 'shaled admin tables <command> --help' for more information.`)
}

// defaultTabletDir is the directory of a table's first tablet.
const defaultTabletDir = "/default_tablet"

func listTables(ctx context.Context, opts *AdminOptions) error {
	tables, err := opts.Catalog.ListTables(ctx)
	if err != nil {
		return err
	}
	if opts.JSON {
		return writeJSON(opts.Out, tables)
	}
	w := tabwriter.NewWriter(opts.Out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tCREATED")
	for _, t := range tables {
		fmt.Fprintf(w, "%s\t%s\t%s\n", t.ID, t.Name, time.UnixMilli(t.CreatedAtMs).UTC().Format(time.RFC3339))
	}
	return w.Flush()
}

func createTable(ctx context.Context, opts *AdminOptions, id kv.TableID, name string) error {
	if id == "" {
		return errors.New("--id is required")
	}
	if name == "" {
		name = string(id)
	}
	t, err := opts.Catalog.CreateTable(ctx, id, name, time.Now().UnixMilli())
	if err != nil {
		return err
	}
	if err := opts.Catalog.AddTablet(ctx, kv.NewExtent(id, "", ""), defaultTabletDir); err != nil {
		return err
	}
	if opts.JSON {
		return writeJSON(opts.Out, t)
	}
	fmt.Fprintf(opts.Out, "Created table %q (id %s)\n", t.Name, t.ID)
	return nil
}

func deleteTable(ctx context.Context, opts *AdminOptions, id kv.TableID) error {
	if id == "" {
		return errors.New("--id is required")
	}
	if err := opts.Catalog.DeleteTable(ctx, id); err != nil {
		return err
	}
	fmt.Fprintf(opts.Out, "Deleted table %s, its storage is flagged for garbage collection\n", id)
	return nil
}

// ============================================================================
// Tablet Commands
// ============================================================================

func runAdminTablets(args []string) {
	if len(args) < 1 {
		printTabletsUsage()
		os.Exit(1)
	}

	switch args[0] {
	case "list":
		fs, configPath, jsonOutput := adminFlagSet("tablets list", "List tablets and their storage references.")
		table := fs.String("table", "", "Only list tablets of this table id")
		parse(fs, args[1:])
		withAdmin(*configPath, *jsonOutput, func(ctx context.Context, opts *AdminOptions) error {
			return listTablets(ctx, opts, kv.TableID(*table))
		})
	case "add":
		fs, configPath, jsonOutput := adminFlagSet("tablets add", "Add a tablet row, optionally assigned to a tablet server.")
		table := fs.String("table", "", "Table id (required)")
		end := fs.String("end", "", "End row, empty for the last tablet")
		prev := fs.String("prev", "", "Previous end row, empty for the first tablet")
		dir := fs.String("dir", "", "Tablet directory relative to the table (required)")
		location := fs.String("location", "", "Tablet server address to assign the tablet to")
		parse(fs, args[1:])
		withAdmin(*configPath, *jsonOutput, func(ctx context.Context, opts *AdminOptions) error {
			return addTablet(ctx, opts, kv.NewExtent(kv.TableID(*table), *end, *prev), *dir, *location)
		})
	case "help", "-h", "--help":
		printTabletsUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown tablets command: %s\n\n", args[0])
		printTabletsUsage()
		os.Exit(1)
	}
}

func printTabletsUsage() {
	fmt.Println(`Usage: shaled admin tablets <command> [options]

Tablet metadata commands.

Commands:
  list       List tablets
  add        Add a tablet row

Run 'shaled admin tablets <command> --help' for more information.`)
}

func listTablets(ctx context.Context, opts *AdminOptions, table kv.TableID) error {
	var (
		tablets []catalog.TabletInfo
		err     error
	)
	if table != "" {
		tablets, err = opts.Catalog.TabletsForTable(ctx, table)
	} else {
		tablets, err = opts.Catalog.Tablets(ctx)
	}
	if err != nil {
		return err
	}
	if opts.JSON {
		return writeJSON(opts.Out, tablets)
	}
	w := tabwriter.NewWriter(opts.Out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "EXTENT\tDIR\tLOCATION\tFILES\tSCANS")
	for _, t := range tablets {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\n", t.Extent, t.Dir, orDash(t.Location), len(t.Files), len(t.Scans))
	}
	return w.Flush()
}

func addTablet(ctx context.Context, opts *AdminOptions, extent kv.Extent, dir, location string) error {
	if extent.Table == "" {
		return errors.New("--table is required")
	}
	if !strings.HasPrefix(dir, "/") || strings.Count(dir, "/") != 1 {
		return fmt.Errorf("--dir must be a single path element such as /t-0001, got %q", dir)
	}
	if ok, err := opts.Catalog.TableExists(ctx, extent.Table); err != nil {
		return err
	} else if !ok {
		return catalog.ErrTableNotFound
	}
	if err := opts.Catalog.AddTablet(ctx, extent, dir); err != nil {
		return err
	}
	if location != "" {
		if err := opts.Catalog.SetLocation(ctx, extent, location); err != nil {
			return err
		}
	}
	fmt.Fprintf(opts.Out, "Added tablet %s\n", extent)
	return nil
}

// ============================================================================
// Delete Flag Commands
// ============================================================================

func runAdminFlags(args []string) {
	if len(args) < 1 || args[0] != "list" {
		fmt.Println(`Usage: shaled admin flags list [options]

List the paths flagged for garbage collection.`)
		if len(args) < 1 {
			os.Exit(1)
		}
		return
	}
	fs, configPath, jsonOutput := adminFlagSet("flags list", "List the paths flagged for garbage collection.")
	parse(fs, args[1:])
	withAdmin(*configPath, *jsonOutput, func(ctx context.Context, opts *AdminOptions) error {
		return listFlags(ctx, opts)
	})
}

func listFlags(ctx context.Context, opts *AdminOptions) error {
	var paths []string
	err := opts.Catalog.ScanDeleteFlags(ctx, "", func(f catalog.DeleteFlag) bool {
		paths = append(paths, f.Path)
		return true
	})
	if err != nil {
		return err
	}
	if opts.JSON {
		return writeJSON(opts.Out, paths)
	}
	for _, p := range paths {
		fmt.Fprintln(opts.Out, p)
	}
	return nil
}

// ============================================================================
// Remote Commands
// ============================================================================

func runAdminGC(args []string) {
	if len(args) < 1 || args[0] != "status" {
		fmt.Println(`Usage: shaled admin gc status --addr <host:port> [options]

Show the counters of the running and the last garbage collection cycle.`)
		if len(args) < 1 {
			os.Exit(1)
		}
		return
	}
	fs := flag.NewFlagSet("gc status", flag.ExitOnError)
	addr := fs.String("addr", "localhost:50091", "Garbage collector monitor address")
	caFile := fs.String("ca", "", "PEM CA bundle; enables TLS")
	jsonOutput := fs.Bool("json", false, "Output in JSON format")
	parse(fs, args[1:])

	exitOnErr(withClient(*addr, *caFile, func(ctx context.Context, c *rpc.Client) error {
		return gcStatus(ctx, c, os.Stdout, *jsonOutput)
	}))
}

func gcStatus(ctx context.Context, c *rpc.Client, out io.Writer, asJSON bool) error {
	st, err := c.GCStatus(ctx)
	if err != nil {
		return err
	}
	if asJSON {
		return writeJSON(out, st)
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CYCLE\tSTARTED\tFINISHED\tCANDIDATES\tIN USE\tDELETED\tERRORS")
	writeCycle(w, "last", st.Last)
	writeCycle(w, "current", st.Current)
	return w.Flush()
}

func writeCycle(w io.Writer, name string, c gc.CycleStats) {
	fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%d\n",
		name, formatMs(c.Started), formatMs(c.Finished), c.Candidates, c.InUse, c.Deleted, c.Errors)
}

func runAdminScans(args []string) {
	fs := flag.NewFlagSet("scans", flag.ExitOnError)
	addr := fs.String("addr", "localhost:9997", "Tablet server address")
	caFile := fs.String("ca", "", "PEM CA bundle; enables TLS")
	jsonOutput := fs.Bool("json", false, "Output in JSON format")
	fs.Usage = func() {
		fmt.Println(`Usage: shaled admin scans [options]

List the active scans of a tablet server.

Options:`)
		fs.PrintDefaults()
	}
	parse(fs, args)

	exitOnErr(withClient(*addr, *caFile, func(ctx context.Context, c *rpc.Client) error {
		return activeScans(ctx, c, os.Stdout, *jsonOutput)
	}))
}

func activeScans(ctx context.Context, c *rpc.Client, out io.Writer, asJSON bool) error {
	scans, err := c.GetActiveScans(ctx)
	if err != nil {
		return err
	}
	sort.Slice(scans, func(i, j int) bool { return scans[i].ScanID < scans[j].ScanID })
	if asJSON {
		return writeJSON(out, scans)
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCLIENT\tUSER\tTABLE\tTYPE\tSTATE\tAGE\tIDLE\tEXTENT")
	for _, s := range scans {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			s.ScanID, orDash(s.Client), s.User, s.Table, s.Type, s.State,
			time.Duration(s.AgeMs)*time.Millisecond, time.Duration(s.IdleMs)*time.Millisecond, s.Extent)
	}
	return w.Flush()
}

// ============================================================================
// Helpers
// ============================================================================

func formatMs(ms int64) string {
	if ms == 0 {
		return "-"
	}
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func adminFlagSet(name, description string) (*flag.FlagSet, *string, *bool) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	jsonOutput := fs.Bool("json", false, "Output in JSON format")
	fs.Usage = func() {
		fmt.Printf("Usage: shaled admin %s [options]\n\n%s\n\nOptions:\n", name, description)
		fs.PrintDefaults()
	}
	return fs, configPath, jsonOutput
}

func parse(fs *flag.FlagSet, args []string) {
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
}

func exitOnErr(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// withAdmin runs fn against the configured metadata store.
func withAdmin(configPath string, asJSON bool, fn func(context.Context, *AdminOptions) error) {
	opts, cleanup, err := initAdminOpts(configPath)
	exitOnErr(err)
	defer cleanup()
	opts.JSON = asJSON

	ctx, cancel := context.WithTimeout(context.Background(), adminTimeout)
	defer cancel()
	if err := fn(ctx, opts); err != nil {
		cleanup()
		exitOnErr(err)
	}
}

// initAdminOpts connects to the metadata store named by the config.
// Metrics go to a private registry nobody serves.
func initAdminOpts(configPath string) (*AdminOptions, func(), error) {
	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.LoadFromPathNoValidate(configPath)
	} else {
		cfg, err = config.LoadNoValidate()
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger := logging.Configure("warn", cfg.Observability.LogFormat)

	ctx, cancel := context.WithTimeout(context.Background(), adminTimeout)
	defer cancel()
	meta, err := openMetadata(ctx, cfg.Metadata, prometheus.NewRegistry())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to metadata store: %w", err)
	}

	opts := &AdminOptions{
		Config:    cfg,
		Logger:    logger,
		MetaStore: meta,
		Catalog:   catalog.New(meta),
		Out:       os.Stdout,
	}
	cleanup := func() {
		meta.Close()
	}
	return opts, cleanup, nil
}

// withClient dials addr, over TLS when caFile is set, and runs fn.
func withClient(addr, caFile string, fn func(context.Context, *rpc.Client) error) error {
	creds := insecure.NewCredentials()
	if caFile != "" {
		pemBytes, err := os.ReadFile(caFile)
		if err != nil {
			return fmt.Errorf("read CA bundle: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemBytes) {
			return fmt.Errorf("no certificates in %s", caFile)
		}
		creds = credentials.NewTLS(&tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12})
	}
	client, err := rpc.Dial(addr, grpc.WithTransportCredentials(creds))
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), adminTimeout)
	defer cancel()
	return fn(ctx, client)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
