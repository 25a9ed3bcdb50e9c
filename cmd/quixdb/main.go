// quixdb is an interactive shell over a QuixDB database directory.
//
// Usage:
//
//	quixdb [--db path] [--config path]
//
// Commands (in the REPL):
//
//	create-table <table> <col:type[:unique]>...   Create or open a table
//	insert <table> <col=value>...                  Insert a row
//	select <table> <col=value>...                  Select the first matching row
//	update <table> <where col=value>... -- <col=value>...   Update a row
//	delete <table> <col=value>...                   Delete a row
//	scan <table>                                    Count live rows
//	tables                                          List tables
//	config                                          Show the active config
//	help                                            Show this help
//	exit / quit / q                                 Exit
package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/peterh/liner"
	flag "github.com/spf13/pflag"

	"github.com/quixdb/quixdb"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	fs := flag.NewFlagSet("quixdb", flag.ContinueOnError)
	dbFlag := fs.String("db", "", "database root directory (overrides config)")
	configFlag := fs.String("config", "", "path to an explicit config file")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return err
	}

	workDir, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("getting working directory: %w", err)
	}

	cfg, _, err := quixdb.LoadConfig(workDir, *configFlag, quixdb.Config{Root: *dbFlag}, *dbFlag != "", os.Environ())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	root := cfg.Root
	if !filepath.IsAbs(root) {
		root = filepath.Join(workDir, root)
	}

	db, err := quixdb.OpenWithTimeout(root, cfg.LockTimeout)
	if err != nil {
		return fmt.Errorf("opening database at %q: %w", root, err)
	}
	defer db.Close()

	repl := &REPL{db: db, root: root, cfg: cfg}

	return repl.Run()
}

// REPL is the interactive command loop over a [quixdb.Database].
type REPL struct {
	db    *quixdb.Database
	root  string
	cfg   quixdb.Config
	liner *liner.State
}

func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return filepath.Join(home, ".quixdb_history")
}

// Run starts the REPL loop.
func (r *REPL) Run() error {
	r.liner = liner.NewLiner()
	defer r.liner.Close()

	r.liner.SetCtrlCAborts(true)
	r.liner.SetCompleter(r.completer)

	if f, err := os.Open(historyFile()); err == nil {
		r.liner.ReadHistory(f)
		f.Close()
	}

	fmt.Printf("quixdb - embedded table store CLI (root=%s)\n", r.root)
	fmt.Println("Type 'help' for available commands.")
	fmt.Println()

	for {
		line, err := r.liner.Prompt("quixdb> ")
		if err != nil {
			if err == liner.ErrPromptAborted || err == io.EOF {
				fmt.Println("\nBye!")
				break
			}

			return fmt.Errorf("reading input: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		r.liner.AppendHistory(line)

		parts := strings.Fields(line)
		cmd := strings.ToLower(parts[0])
		args := parts[1:]

		switch cmd {
		case "exit", "quit", "q":
			fmt.Println("Bye!")
			r.saveHistory()

			return nil

		case "help", "?":
			r.printHelp()

		case "create-table":
			r.cmdCreateTable(args)

		case "insert":
			r.cmdInsert(args)

		case "select":
			r.cmdSelect(args)

		case "update":
			r.cmdUpdate(args)

		case "delete":
			r.cmdDelete(args)

		case "scan", "count":
			r.cmdScan(args)

		case "tables":
			r.cmdTables()

		case "config":
			r.cmdConfig()

		case "clear", "cls":
			fmt.Print("\033[H\033[2J")

		default:
			fmt.Printf("Unknown command: %s (type 'help' for commands)\n", cmd)
		}
	}

	r.saveHistory()

	return nil
}

func (r *REPL) saveHistory() {
	if path := historyFile(); path != "" {
		if f, err := os.Create(path); err == nil {
			r.liner.WriteHistory(f)
			f.Close()
		}
	}
}

func (r *REPL) completer(line string) []string {
	commands := []string{
		"create-table", "insert", "select", "update", "delete",
		"scan", "tables", "config", "help", "exit",
	}

	var out []string

	for _, c := range commands {
		if strings.HasPrefix(c, line) {
			out = append(out, c)
		}
	}

	return out
}

func (r *REPL) printHelp() {
	fmt.Println(`Commands:
  create-table <table> <col:type[:unique]>...   Create or open a table (types: string, int, float, bytes)
  insert <table> <col=value>...                 Insert a row
  select <table> <col=value>...                 Select the first matching row
  update <table> <where-clauses> -- <changes>   Update a row, e.g. update users Email=a@x -- Name=A2
  delete <table> <col=value>...                 Delete a row
  scan <table>                                  Count live rows
  tables                                        List tables
  config                                        Show the active config
  help                                          Show this help
  exit / quit / q                               Exit`)
}

func (r *REPL) cmdCreateTable(args []string) {
	if len(args) < 2 {
		fmt.Println("usage: create-table <table> <col:type[:unique]>...")
		return
	}

	table := args[0]

	var columns []quixdb.Column

	var unique []string

	for _, spec := range args[1:] {
		fields := strings.Split(spec, ":")
		if len(fields) < 2 {
			fmt.Printf("invalid column spec %q, want name:type[:unique]\n", spec)
			return
		}

		typ, err := parseType(fields[1])
		if err != nil {
			fmt.Println(err)
			return
		}

		columns = append(columns, quixdb.Column{Name: fields[0], Type: typ})

		if len(fields) == 3 && fields[2] == "unique" {
			unique = append(unique, fields[0])
		}
	}

	if err := r.db.CreateTable(table, columns, unique); err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}

	fmt.Printf("table %q ready\n", table)
}

func (r *REPL) cmdInsert(args []string) {
	if len(args) < 2 {
		fmt.Println("usage: insert <table> <col=value>...")
		return
	}

	row, err := parseAssignments(args[1:])
	if err != nil {
		fmt.Println(err)
		return
	}

	if err := r.db.Insert(args[0], row); err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}

	fmt.Println("Inserted")
}

func (r *REPL) cmdSelect(args []string) {
	if len(args) < 1 {
		fmt.Println("usage: select <table> <col=value>...")
		return
	}

	where, err := parseAssignments(args[1:])
	if err != nil {
		fmt.Println(err)
		return
	}

	row, found, err := r.db.Select(args[0], where)
	if err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}

	if !found {
		fmt.Println("None")
		return
	}

	fmt.Println(formatRow(row))
}

func (r *REPL) cmdUpdate(args []string) {
	if len(args) < 1 {
		fmt.Println("usage: update <table> <where col=value>... -- <col=value>...")
		return
	}

	sep := -1

	for i, a := range args {
		if a == "--" {
			sep = i
			break
		}
	}

	if sep < 0 {
		fmt.Println("missing -- separator between where-clauses and changes")
		return
	}

	where, err := parseAssignments(args[1:sep])
	if err != nil {
		fmt.Println(err)
		return
	}

	changes, err := parseAssignments(args[sep+1:])
	if err != nil {
		fmt.Println(err)
		return
	}

	if err := r.db.Update(args[0], where, changes); err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}

	fmt.Println("Updated")
}

func (r *REPL) cmdDelete(args []string) {
	if len(args) < 1 {
		fmt.Println("usage: delete <table> <col=value>...")
		return
	}

	where, err := parseAssignments(args[1:])
	if err != nil {
		fmt.Println(err)
		return
	}

	if err := r.db.Delete(args[0], where); err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}

	fmt.Println("Deleted")
}

func (r *REPL) cmdScan(args []string) {
	if len(args) != 1 {
		fmt.Println("usage: scan <table>")
		return
	}

	n, err := r.db.Count(args[0])
	if err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}

	fmt.Println(n)
}

func (r *REPL) cmdTables() {
	names, err := r.db.ListTables()
	if err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}

	for _, n := range names {
		fmt.Println(n)
	}
}

func (r *REPL) cmdConfig() {
	out, err := quixdb.FormatConfig(r.cfg)
	if err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}

	fmt.Println(out)
}

// parseAssignments parses a list of "col=value" tokens into a
// [quixdb.Row], guessing each value's type: an int if it parses as one,
// a float if it parses as one, otherwise a string. create-table's
// declared types and the engine's own validation catch mismatches.
func parseAssignments(args []string) (quixdb.Row, error) {
	row := make(quixdb.Row, len(args))

	for _, a := range args {
		name, value, ok := strings.Cut(a, "=")
		if !ok {
			return nil, fmt.Errorf("invalid assignment %q, want col=value", a)
		}

		row[name] = guessValue(value)
	}

	return row, nil
}

func guessValue(s string) quixdb.Value {
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return quixdb.IntValue(i)
	}

	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return quixdb.FloatValue(f)
	}

	return quixdb.StringValue(s)
}

func parseType(s string) (quixdb.ValueType, error) {
	switch strings.ToLower(s) {
	case "string", "str":
		return quixdb.TypeString, nil
	case "int":
		return quixdb.TypeInt, nil
	case "float":
		return quixdb.TypeFloat, nil
	case "bytes":
		return quixdb.TypeBytes, nil
	default:
		return 0, fmt.Errorf("unknown column type %q (want string, int, float, or bytes)", s)
	}
}

func formatRow(row quixdb.Row) string {
	names := make([]string, 0, len(row))
	for name := range row {
		names = append(names, name)
	}

	var b strings.Builder

	for i, name := range names {
		if i > 0 {
			b.WriteString(", ")
		}

		fmt.Fprintf(&b, "%s=%v", name, row[name])
	}

	return b.String()
}
