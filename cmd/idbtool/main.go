// Command idbtool inspects and maintains idbstore stores from the shell.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"slices"
	"strings"

	"github.com/urfave/cli"

	"github.com/andreyvit/idbstore"
)

// set by the linker: go build -ldflags "-X main.version=M.N" ./cmd/idbtool
var version = "dev"

func main() {
	if err := newApp(os.Stdout).Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "idbtool: %v\n", err)
		os.Exit(1)
	}
}

func newApp(w io.Writer) *cli.App {
	app := cli.NewApp()
	app.Name = "idbtool"
	app.Usage = "inspect and maintain IndexedDB backing stores"
	app.Version = version
	app.Writer = w
	app.ErrWriter = os.Stderr

	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config, c",
			Usage: "read options from YAML `FILE`",
		},
		cli.StringFlag{
			Name:  "backend, b",
			Usage: "storage `BACKEND` [bolt|leveldb|memory]",
		},
		cli.StringFlag{
			Name:  "blob-dir",
			Usage: "blob `DIR` (default: store path + .blob)",
		},
		cli.StringFlag{
			Name:  "origin",
			Usage: "`ORIGIN` whose databases to list",
		},
		cli.BoolFlag{
			Name:  "verbose, V",
			Usage: "log every store operation",
		},
	}
	app.Commands = []cli.Command{
		{
			Name:      "dump",
			Usage:     "print every key of the store, decoded",
			ArgsUsage: "STORE",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "only",
					Value: "all",
					Usage: "comma-separated `KINDS` [metadata,records,index,blobs,values,journals,all]",
				},
			},
			Action: runDump,
		},
		{
			Name:      "info",
			Usage:     "summarize versions, databases and journals",
			ArgsUsage: "STORE",
			Action:    runInfo,
		},
		{
			Name:      "cleanup",
			Usage:     "delete every blob both journals list, then report what is left",
			ArgsUsage: "STORE",
			Action:    runCleanup,
		},
		{
			Name:      "corruption",
			Usage:     "print and clear the corruption report of a store",
			ArgsUsage: "STORE",
			Action:    runCorruption,
		},
	}
	return app
}

func storePath(c *cli.Context) (string, error) {
	if c.NArg() != 1 {
		return "", fmt.Errorf("%s: expected exactly one STORE argument", c.Command.Name)
	}
	return c.Args().First(), nil
}

// effectiveConfig loads --config and applies the global flags on top.
func effectiveConfig(c *cli.Context) (*config, error) {
	cfg, err := loadConfig(c.GlobalString("config"))
	if err != nil {
		return nil, err
	}
	if c.GlobalIsSet("backend") {
		cfg.Backend = c.GlobalString("backend")
	}
	if c.GlobalIsSet("blob-dir") {
		cfg.BlobDir = c.GlobalString("blob-dir")
	}
	if c.GlobalIsSet("origin") {
		cfg.Origin = c.GlobalString("origin")
	}
	if c.GlobalBool("verbose") {
		cfg.Verbose = true
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func openStore(c *cli.Context) (*idbstore.Store, error) {
	path, err := storePath(c)
	if err != nil {
		return nil, err
	}
	cfg, err := effectiveConfig(c)
	if err != nil {
		return nil, err
	}
	if idbstore.Backend(cfg.Backend) != idbstore.BackendMemory {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("no store at %s: %w", path, err)
		}
	}
	logger := newLogger(os.Stderr, cfg.Verbose)
	s, err := idbstore.Open(path, cfg.options(logger))
	if err != nil {
		return nil, err
	}
	logger.Debug("opened store", slog.String("path", path), slog.String("backend", cfg.Backend))
	return s, nil
}

func initialize(s *idbstore.Store, cleanActiveJournal bool) error {
	err := s.Initialize(cleanActiveJournal)
	if err != nil && s.Path() != "" {
		if msg := idbstore.ReadCorruptionInfo(s.Path()); msg != "" {
			return fmt.Errorf("%w (corruption report: %s)", err, msg)
		}
	}
	return err
}

var dumpKinds = map[string]idbstore.DumpFlags{
	"metadata": idbstore.DumpMetadata,
	"records":  idbstore.DumpRecords,
	"index":    idbstore.DumpIndexEntries,
	"blobs":    idbstore.DumpBlobEntries,
	"values":   idbstore.DumpValues,
	"journals": idbstore.DumpJournals,
	"all":      idbstore.DumpAll,
}

func parseDumpFlags(s string) (idbstore.DumpFlags, error) {
	var f idbstore.DumpFlags
	for _, name := range strings.Split(s, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		v, ok := dumpKinds[name]
		if !ok {
			return 0, fmt.Errorf("unknown dump kind %q", name)
		}
		f |= v
	}
	if f == 0 {
		return 0, fmt.Errorf("nothing to dump")
	}
	return f, nil
}

func runDump(c *cli.Context) error {
	flags, err := parseDumpFlags(c.String("only"))
	if err != nil {
		return err
	}
	s, err := openStore(c)
	if err != nil {
		return err
	}
	defer s.Close()
	return s.Dump(c.App.Writer, flags)
}

func runInfo(c *cli.Context) error {
	s, err := openStore(c)
	if err != nil {
		return err
	}
	defer s.Close()
	w := c.App.Writer

	// read versions before Initialize upgrades them
	schemaVer, err := s.SchemaVersion()
	if err != nil {
		return err
	}
	dataVer, found, err := s.DataVersion()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "store: %s\n", s.Path())
	fmt.Fprintf(w, "schema version: %d\n", schemaVer)
	if found {
		fmt.Fprintf(w, "data version: %v\n", dataVer)
	} else {
		fmt.Fprintf(w, "data version: none\n")
	}

	if err := initialize(s, false); err != nil {
		return err
	}
	names, err := s.GetDatabaseNames()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "databases (origin %q): %d\n", s.Origin(), len(names))
	for _, name := range names {
		dm, err := s.ReadDatabaseMetadata(name)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "  %s (id %d, version %d)\n", dm.Name, dm.ID, dm.Version)
		if err := printObjectStores(w, s, dm); err != nil {
			return err
		}
	}
	return printJournals(w, s)
}

func printObjectStores(w io.Writer, s *idbstore.Store, dm *idbstore.DatabaseMetadata) error {
	tx := s.Begin(idbstore.ReadOnly, idbstore.DurabilityDefault)
	defer tx.Rollback()
	for _, id := range slices.Sorted(maps.Keys(dm.ObjectStores)) {
		om := dm.ObjectStores[id]
		st, err := tx.ObjectStoreStats(dm.ID, om.ID)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "    %s (id %d): %d records, %d index entries, %d blobs, %d bytes\n", om.Name, om.ID, st.Records, st.IndexEntries, st.BlobEntries, st.TotalSize())
		for _, idxID := range slices.Sorted(maps.Keys(om.Indexes)) {
			im := om.Indexes[idxID]
			fmt.Fprintf(w, "      index %s (id %d) on %q", im.Name, im.ID, im.KeyPath)
			if im.Unique {
				fmt.Fprint(w, " unique")
			}
			if im.MultiEntry {
				fmt.Fprint(w, " multi-entry")
			}
			fmt.Fprintln(w)
		}
	}
	return nil
}

func printJournals(w io.Writer, s *idbstore.Store) error {
	for _, kind := range []idbstore.JournalKind{idbstore.RecoveryJournal, idbstore.ActiveJournal} {
		j, err := s.GetBlobJournal(kind)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s journal: %d entries %v\n", kind, len(j), j)
	}
	return nil
}

func runCleanup(c *cli.Context) error {
	s, err := openStore(c)
	if err != nil {
		return err
	}
	defer s.Close()
	if err := initialize(s, true); err != nil {
		return err
	}
	s.ForceRunBlobCleanup()
	return printJournals(c.App.Writer, s)
}

func runCorruption(c *cli.Context) error {
	path, err := storePath(c)
	if err != nil {
		return err
	}
	msg := idbstore.ReadCorruptionInfo(path)
	if msg == "" {
		fmt.Fprintln(c.App.Writer, "no corruption report")
		return nil
	}
	fmt.Fprintln(c.App.Writer, msg)
	return nil
}
