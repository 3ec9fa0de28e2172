package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ha1tch/sqlconv/pkg/dialect"
	"github.com/ha1tch/sqlconv/pkg/errors"
	"github.com/ha1tch/sqlconv/pkg/log"
	"github.com/ha1tch/sqlconv/pkg/profile"
	"github.com/ha1tch/sqlconv/pkg/target"
	"github.com/ha1tch/sqlconv/pkg/translate"
	"github.com/ha1tch/sqlconv/pkg/version"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

type options struct {
	configFile  string
	profileName string
	watch       bool

	norm          string
	owner         string
	keywords      bool
	keywordEscape string
	extraKeywords string
	quoting       string
	preset        string
	placeholders  string
	cache         bool
	noCache       bool

	execDriver string
	execDSN    string

	logLevel  string
	logFormat string
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("sqlconv", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var (
		opts options

		// Profile source
		configFile   = fs.String("c", "", "Profile file path")
		configFileL  = fs.String("config", "", "Profile file path")
		profileName  = fs.String("p", "", "Profile to use (default: the file's default)")
		profileNameL = fs.String("profile", "", "Profile to use (default: the file's default)")
		watchFile    = fs.Bool("w", false, "Watch the profile file and hot-reload")
		watchFileL   = fs.Bool("watch", false, "Watch the profile file and hot-reload")

		// Inline profile, used without -c
		norm          = fs.String("norm", "common", "Target norm: common, dm")
		owner         = fs.String("owner", "", "Qualify unqualified tables with this owner")
		keywords      = fs.Bool("keywords", false, "Escape column names that are target keywords")
		keywordEscape = fs.String("keyword-escape", "single", "Keyword escape: single, double, backtick, bracket")
		extraKeywords = fs.String("extra-keywords", "", "Comma-separated keywords added to the default set")
		quoting       = fs.String("quoting", "", "Identifier quoting: none, backtick, double, bracket")
		preset        = fs.String("preset", "", "Function preset: sqlite, postgres, sqlserver, dm")
		placeholders  = fs.String("placeholders", "", "Bind parameter style: question, dollar, at, named")
		cacheOn       = fs.Bool("cache", false, "Enable the translation cache")
		noCache       = fs.Bool("no-cache", false, "Disable the translation cache even if the profile enables it")

		// Execution
		execDriver = fs.String("exec-driver", "", "Run translated statements on a target: sqlite, postgres, sqlserver")
		execDSN    = fs.String("exec-dsn", "", "Target data source name")

		// Logging
		logLevel  = fs.String("log-level", "", "Log level (debug, info, warn, error)")
		logFormat = fs.String("log-format", "", "Log format (text, json)")

		// Help and version
		showHelp     = fs.Bool("h", false, "Show help")
		showHelpL    = fs.Bool("help", false, "Show help")
		showVersion  = fs.Bool("v", false, "Show version")
		showVersionL = fs.Bool("version", false, "Show version")
	)

	fs.Usage = func() {
		printUsage(stderr)
	}

	if err := fs.Parse(args); err != nil {
		return 2
	}

	// Coalesce short and long flags
	if *configFileL != "" {
		*configFile = *configFileL
	}
	if *profileNameL != "" {
		*profileName = *profileNameL
	}
	if *watchFileL {
		*watchFile = true
	}
	if *showHelpL {
		*showHelp = true
	}
	if *showVersionL {
		*showVersion = true
	}

	if *showHelp {
		printUsage(stdout)
		return 0
	}

	if *showVersion {
		fmt.Fprintln(stdout, version.Full())
		return 0
	}

	if *watchFile && *configFile == "" {
		fmt.Fprintln(stderr, "error: --watch needs --config")
		return 2
	}
	if (*execDriver == "") != (*execDSN == "") {
		fmt.Fprintln(stderr, "error: --exec-driver and --exec-dsn go together")
		return 2
	}

	opts = options{
		configFile:    *configFile,
		profileName:   *profileName,
		watch:         *watchFile,
		norm:          *norm,
		owner:         *owner,
		keywords:      *keywords,
		keywordEscape: *keywordEscape,
		extraKeywords: *extraKeywords,
		quoting:       *quoting,
		preset:        *preset,
		placeholders:  *placeholders,
		cache:         *cacheOn,
		noCache:       *noCache,
		execDriver:    *execDriver,
		execDSN:       *execDSN,
		logLevel:      *logLevel,
		logFormat:     *logFormat,
	}

	app, err := newApp(opts, stdout, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	defer app.close()

	// Statements on the command line win over stdin.
	if fs.NArg() > 0 {
		return app.runScripts(fs.Args())
	}
	if opts.watch {
		return app.interactive(stdin)
	}

	data, err := io.ReadAll(stdin)
	if err != nil {
		fmt.Fprintf(stderr, "error reading input: %v\n", err)
		return 1
	}
	return app.runScripts([]string{string(data)})
}

// app holds what one CLI invocation needs.
type app struct {
	opts    options
	logger  *log.Logger
	svc     *translate.Service
	watcher *profile.Watcher
	target  *target.Target
	stdout  io.Writer
	stderr  io.Writer
}

func newApp(opts options, stdout, stderr io.Writer) (*app, error) {
	var file *profile.File
	if opts.configFile != "" {
		f, err := profile.LoadFile(opts.configFile)
		if err != nil {
			return nil, err
		}
		file = f
	}

	logger, err := newLogger(opts, file, stderr)
	if err != nil {
		return nil, err
	}

	var svcOpts []translate.Option
	if opts.noCache {
		svcOpts = append(svcOpts, translate.WithoutCache())
	}
	a := &app{
		opts:   opts,
		logger: logger,
		svc:    translate.NewService(logger, svcOpts...),
		stdout: stdout,
		stderr: stderr,
	}

	if file != nil {
		err = a.svc.Apply(file)
	} else {
		var p *profile.Profile
		if p, err = inlineProfile(opts); err == nil {
			err = a.svc.Register(p)
		}
	}
	if err != nil {
		a.close()
		return nil, err
	}
	if _, err := a.svc.Translator(opts.profileName); err != nil {
		a.close()
		return nil, err
	}

	if opts.watch {
		w, err := profile.NewWatcher(opts.configFile, logger,
			profile.WithOnReload(func(f *profile.File) {
				if err := a.svc.Apply(f); err != nil {
					logger.Config().Error("cannot apply reloaded profiles", err)
				}
			}),
		)
		if err == nil {
			err = w.Start()
		}
		if err != nil {
			a.close()
			return nil, err
		}
		a.watcher = w
	}

	if opts.execDriver != "" {
		cfg := target.Config{Driver: opts.execDriver, DSN: opts.execDSN}
		if name, _ := target.DriverName(opts.execDriver); name == "sqlite3" {
			cfg = target.DefaultSQLiteConfig()
			cfg.DSN = opts.execDSN
		}
		// Statements are translated before they reach the target.
		t, err := target.Open(context.Background(), cfg, nil, target.WithLogger(logger))
		if err != nil {
			a.close()
			return nil, err
		}
		a.target = t
	}
	return a, nil
}

func newLogger(opts options, file *profile.File, stderr io.Writer) (*log.Logger, error) {
	levelName, formatName := "warn", "text"
	if file != nil {
		if file.Log.Level != "" {
			levelName = file.Log.Level
		}
		if file.Log.Format != "" {
			formatName = file.Log.Format
		}
	}
	if opts.logLevel != "" {
		levelName = opts.logLevel
	}
	if opts.logFormat != "" {
		formatName = opts.logFormat
	}

	level, err := log.ParseLevel(levelName)
	if err != nil {
		return nil, err
	}
	format, err := log.ParseFormat(formatName)
	if err != nil {
		return nil, err
	}
	return log.New(log.Config{DefaultLevel: level, Output: stderr, Format: format}), nil
}

// inlineProfile builds a profile from command-line flags.
func inlineProfile(opts options) (*profile.Profile, error) {
	norm, err := dialect.ParseNorm(opts.norm)
	if err != nil {
		return nil, err
	}

	presetName, placeholderName := opts.preset, opts.placeholders
	if opts.execDriver != "" {
		if presetName == "" {
			if presetName, err = target.PresetFor(opts.execDriver); err != nil {
				return nil, err
			}
		}
		if placeholderName == "" {
			ph, err := target.PlaceholdersFor(opts.execDriver)
			if err != nil {
				return nil, err
			}
			placeholderName = ph.String()
		}
	}

	b := profile.NewBuilder("cli", norm)
	if opts.owner != "" {
		b.OwnerOfTableDefault(opts.owner)
	}
	if opts.keywords {
		b.KeywordTranslatorWith(opts.keywordEscape, splitList(opts.extraKeywords)...)
	}
	if opts.quoting != "" {
		q, err := dialect.ParseQuoting(opts.quoting)
		if err != nil {
			return nil, err
		}
		b.Quoting(q)
	}
	if placeholderName != "" {
		ph, err := dialect.ParsePlaceholder(placeholderName)
		if err != nil {
			return nil, err
		}
		b.Placeholders(ph)
	}
	if presetName != "" {
		b.Preset(presetName)
	}
	if opts.cache {
		b.EnableSQLCache()
	}
	return b.Build()
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// runScripts translates every statement of every script. A failing
// statement is reported and the rest still run.
func (a *app) runScripts(scripts []string) int {
	code := 0
	for _, script := range scripts {
		if a.runScript(script) != nil {
			code = 1
		}
	}
	return code
}

func (a *app) runScript(script string) error {
	pieces, err := dialect.Split(script)
	if err != nil {
		fmt.Fprintf(a.stderr, "error: %v\n", err)
		return err
	}
	// Failures are reported and the script carries on, unless the failure
	// is severe.
	var failed error
	for _, stmt := range pieces {
		if err := a.runStatement(stmt); err != nil {
			fmt.Fprintf(a.stderr, "%s: %v\n", errors.GetSeverity(err), err)
			failed = err
			if errors.IsSevere(err) {
				break
			}
		}
	}
	return failed
}

func (a *app) runStatement(stmt string) error {
	out, err := a.svc.Translate(stmt, a.opts.profileName)
	if err != nil {
		return err
	}
	if a.target == nil {
		fmt.Fprintf(a.stdout, "%s;\n", out)
		return nil
	}

	ctx := context.Background()
	if strings.HasPrefix(out, "SELECT") {
		rs, err := a.target.Query(ctx, out)
		if err != nil {
			return err
		}
		printResultSet(a.stdout, rs)
		return nil
	}
	n, err := a.target.Exec(ctx, out)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "(%d rows affected)\n", n)
	return nil
}

func printResultSet(w io.Writer, rs *target.ResultSet) {
	names := make([]string, len(rs.Columns))
	for i, c := range rs.Columns {
		names[i] = c.Name
	}
	fmt.Fprintln(w, strings.Join(names, "\t"))
	for _, row := range rs.Rows {
		cells := make([]string, len(row))
		for i, v := range row {
			switch x := v.(type) {
			case nil:
				cells[i] = "NULL"
			case []byte:
				cells[i] = string(x)
			default:
				cells[i] = fmt.Sprint(x)
			}
		}
		fmt.Fprintln(w, strings.Join(cells, "\t"))
	}
	fmt.Fprintf(w, "(%d rows)\n", len(rs.Rows))
}

// interactive reads statements from in one line at a time until EOF or a
// shutdown signal, so profile reloads take effect between statements.
func (a *app) interactive(in io.Reader) int {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	code := 0
	var pending strings.Builder
	for {
		select {
		case sig := <-sigCh:
			a.logger.System().Info("shutdown signal received", "signal", sig.String())
			return code
		case line, ok := <-lines:
			if !ok {
				if strings.TrimSpace(pending.String()) != "" && a.runScript(pending.String()) != nil {
					code = 1
				}
				return code
			}
			pending.WriteString(line)
			pending.WriteByte('\n')
			if !strings.HasSuffix(strings.TrimSpace(line), ";") {
				continue
			}
			if a.runScript(pending.String()) != nil {
				code = 1
			}
			pending.Reset()
		}
	}
}

func (a *app) close() {
	if a.watcher != nil {
		a.watcher.Stop()
	}
	if a.target != nil {
		a.target.Close()
	}
	a.svc.Close()
	logged, dropped := a.logger.Stats()
	a.logger.System().Debug("shutdown", "entries_logged", logged, "entries_dropped", dropped)
	a.logger.Close()
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `sqlconv - Rule-driven SQL translator

Usage:
  sqlconv [options] [statement ...]

Statements are read from the command line, or from stdin when none are
given. Scripts are split on top-level semicolons.

Profile Options:
  -c, --config <file>         Profile file (YAML)
  -p, --profile <name>        Profile to use (default: the file's default)
  -w, --watch                 Reload the profile file on change; read stdin line by line

Inline Profile (without --config):
  --norm <name>               Target norm: common, dm (default: common)
  --owner <name>              Qualify unqualified tables with an owner
  --keywords                  Escape column names that are target keywords
  --keyword-escape <mode>     single, double, backtick, bracket (default: single)
  --extra-keywords <list>     Comma-separated keywords added to the default set
  --quoting <mode>            Identifier quoting: none, backtick, double, bracket
  --preset <name>             Function preset: sqlite, postgres, sqlserver, dm
  --placeholders <style>      Bind parameters: question, dollar, at, named
  --cache                     Enable the translation cache
  --no-cache                  Disable the cache even when a profile enables it

Execution:
  --exec-driver <name>        Run statements on a target: sqlite, postgres, sqlserver
  --exec-dsn <dsn>            Target data source name

Logging:
  --log-level <level>         Log level: debug, info, warn, error (default: warn)
  --log-format <format>       Log format: text, json (default: text)

General:
  -h, --help                  Show help
  -v, --version               Show version

Examples:
  # Qualify tables and escape keywords for DM
  echo "select name, date from user" | sqlconv --norm dm --owner SYS --keywords

  # Translate with a profile file
  sqlconv -c profiles.yaml -p sqlite "select locate('a', b) from t"

  # Run translated statements on SQLite
  sqlconv --exec-driver sqlite --exec-dsn app.db "select count(*) from t"

Exit Codes:
  0  Success
  1  Runtime error
  2  CLI usage error
`)
}
