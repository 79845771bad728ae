package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/InsulaLabs/projfs/internal/config"
	"github.com/InsulaLabs/projfs/internal/events"
	"github.com/InsulaLabs/projfs/internal/feedws"
	"github.com/InsulaLabs/projfs/internal/project"
	"github.com/InsulaLabs/projfs/internal/shell"
	"github.com/InsulaLabs/projfs/internal/tkv"
	"github.com/InsulaLabs/projfs/internal/vfs"
)

var (
	configFile  = flag.String("config", "", "Path to a projfs.yaml config file.")
	projectName = flag.String("project", "default", "Name of the project to attach to.")
	logLevel    = flag.String("log-level", "", "Override the configured log level (debug, info, warn, error).")

	cyan   = color.New(color.FgCyan)
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
	red    = color.New(color.FgRed)
)

type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	engine   *tkv.Engine
	registry *prometheus.Registry
	project  *project.Project
}

type command struct {
	usage  string
	help   string
	attach bool
	run    func(ctx context.Context, a *app, args []string) error
}

var commands map[string]command

func init() {
	commands = map[string]command{
		"tree":           {"tree", "Print the project tree", true, runTree},
		"ls":             {"ls [dir]", "List a directory", true, runLs},
		"mkdir":          {"mkdir <dir>", "Create a directory", true, runMkdir},
		"write":          {"write <file> [text...]", "Write text, or stdin when no text is given, to a file", true, runWrite},
		"cat":            {"cat <file>", "Print a file", true, runCat},
		"mv":             {"mv <old> <new>", "Move or rename a file or directory", true, runMv},
		"rm":             {"rm <file>", "Remove a file", true, runRm},
		"rmdir":          {"rmdir [-r] <dir>", "Remove a directory, with -r everything under it", true, runRmdir},
		"dump":           {"dump", "Print every node of the project as JSON", true, runDump},
		"glob":           {"glob <pattern>", "List paths matching a pattern such as /src/**/*.go", true, runGlob},
		"check":          {"check", "Check whether another session wrote to the project", true, runCheck},
		"watch":          {"watch", "Serve the notification feed and metrics, watching for conflicts", true, runWatch},
		"shell":          {"shell", "Start an interactive shell on the project", true, runShell},
		"delete-project": {"delete-project", "Irreversibly delete the project", false, runDeleteProject},
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: projfs [flags] <command> [args]\n\nCommands:\n")
	for _, name := range []string{
		"tree", "ls", "mkdir", "write", "cat", "mv", "rm", "rmdir",
		"dump", "glob", "check", "watch", "shell", "delete-project",
	} {
		fmt.Fprintf(os.Stderr, "  %-24s %s\n", commands[name].usage, commands[name].help)
	}
	fmt.Fprintf(os.Stderr, "\nFlags:\n")
	flag.PrintDefaults()
}

func main() {
	flag.Usage = printUsage
	flag.Parse()

	if flag.NArg() < 1 {
		printUsage()
		os.Exit(1)
	}
	cmd, ok := commands[flag.Arg(0)]
	if !ok {
		red.Printf("❌ Unknown command: %s\n", flag.Arg(0))
		printUsage()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := setup()
	if err != nil {
		red.Printf("❌ %v\n", err)
		os.Exit(1)
	}

	err = a.execute(ctx, cmd, flag.Args()[1:])
	if closeErr := a.engine.Close(); closeErr != nil {
		a.logger.Error("failed to close storage engine", "error", closeErr)
	}
	if err != nil {
		red.Printf("❌ %v\n", err)
		os.Exit(1)
	}
}

func setup() (*app, error) {
	cfg, err := config.Load(*configFile)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load config")
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	level, err := config.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	badgerLevel, err := config.ParseLevel(cfg.BadgerLogLevel)
	if err != nil {
		return nil, err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})).With("service", "projfs")

	engine, err := tkv.New(tkv.Config{
		Logger:         logger,
		BadgerLogLevel: badgerLevel,
		Directory:      cfg.DataDir,
		InMemory:       cfg.InMemory,
		IdleTTL:        cfg.StoreIdleTTL,
		MemTableSize:   cfg.MemTableSize,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to open storage engine")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	p, err := project.New(project.Config{
		Logger: logger,
		Engine: engine,
		Events: events.NewPubSub(events.Config{}),
		Options: vfs.Options{
			StrictRead:        cfg.Strict.ReadFile,
			StrictUnlink:      cfg.Strict.Unlink,
			RequireEmptyRmdir: cfg.Strict.RmdirRequireEmpty,
		},
		Metrics: project.NewMetrics(registry),
	})
	if err != nil {
		engine.Close()
		return nil, err
	}

	return &app{
		cfg:      cfg,
		logger:   logger,
		engine:   engine,
		registry: registry,
		project:  p,
	}, nil
}

func (a *app) execute(ctx context.Context, cmd command, args []string) error {
	if !cmd.attach {
		return cmd.run(ctx, a, args)
	}
	if err := a.project.Attach(ctx, *projectName); err != nil {
		return errors.Wrapf(err, "failed to attach to project %q", *projectName)
	}
	defer a.project.Detach(ctx)
	return cmd.run(ctx, a, args)
}

func usageError(name string) error {
	return fmt.Errorf("usage: projfs %s", commands[name].usage)
}

func runTree(ctx context.Context, a *app, args []string) error {
	tree, err := a.project.GetFileTree(ctx)
	if err != nil {
		return err
	}
	if len(tree) == 0 {
		yellow.Printf("Project %s is empty\n", *projectName)
		return nil
	}
	fmt.Print(shell.FormatTree(tree))
	return nil
}

func runLs(ctx context.Context, a *app, args []string) error {
	dir := vfs.Separator
	if len(args) > 0 {
		dir = args[0]
	}
	entries, err := a.project.ReadDir(ctx, dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			cyan.Printf("%s/\n", entry.Name)
			continue
		}
		fmt.Printf("%s\t%d\n", entry.Name, len(entry.Data))
	}
	return nil
}

func runMkdir(ctx context.Context, a *app, args []string) error {
	if len(args) != 1 {
		return usageError("mkdir")
	}
	if err := a.project.Mkdir(ctx, args[0]); err != nil {
		return err
	}
	green.Printf("✅ Created %s\n", args[0])
	return nil
}

func runWrite(ctx context.Context, a *app, args []string) error {
	if len(args) < 1 {
		return usageError("write")
	}
	var data []byte
	if len(args) > 1 {
		data = []byte(strings.Join(args[1:], " "))
	} else {
		var err error
		data, err = io.ReadAll(os.Stdin)
		if err != nil {
			return errors.Wrap(err, "failed to read stdin")
		}
	}
	if err := a.project.WriteFile(ctx, args[0], data); err != nil {
		return err
	}
	green.Printf("✅ Wrote %d bytes to %s\n", len(data), args[0])
	return nil
}

func runCat(ctx context.Context, a *app, args []string) error {
	if len(args) != 1 {
		return usageError("cat")
	}
	data, err := a.project.ReadFile(ctx, args[0])
	if err != nil {
		return err
	}
	if data == nil {
		yellow.Printf("%s has no content\n", args[0])
		return nil
	}
	_, err = os.Stdout.Write(data)
	return err
}

func runMv(ctx context.Context, a *app, args []string) error {
	if len(args) != 2 {
		return usageError("mv")
	}
	if err := a.project.Rename(ctx, args[0], args[1]); err != nil {
		return err
	}
	green.Printf("✅ Moved %s to %s\n", args[0], args[1])
	return nil
}

func runRm(ctx context.Context, a *app, args []string) error {
	if len(args) != 1 {
		return usageError("rm")
	}
	if err := a.project.Unlink(ctx, args[0]); err != nil {
		return err
	}
	green.Printf("✅ Removed %s\n", args[0])
	return nil
}

func runRmdir(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("rmdir", flag.ContinueOnError)
	recursive := fs.Bool("r", false, "Remove everything under the directory.")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return usageError("rmdir")
	}
	dir := fs.Arg(0)
	if err := a.project.Rmdir(ctx, dir, *recursive); err != nil {
		return err
	}
	green.Printf("✅ Removed %s\n", dir)
	return nil
}

func runDump(ctx context.Context, a *app, args []string) error {
	nodes, err := a.project.GetAllFilesRaw(ctx)
	if err != nil {
		return err
	}
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(nodes)
}

func runGlob(ctx context.Context, a *app, args []string) error {
	if len(args) != 1 {
		return usageError("glob")
	}
	matches, err := a.project.Glob(ctx, args[0])
	if err != nil {
		return err
	}
	for _, match := range matches {
		fmt.Println(match)
	}
	return nil
}

func runCheck(ctx context.Context, a *app, args []string) error {
	if a.project.CheckForWriteConflicts(ctx) {
		yellow.Printf("⚠️  Project %s was modified by another session\n", *projectName)
		return nil
	}
	green.Printf("✅ No conflicting writes on %s (last write %s)\n", *projectName,
		time.UnixMilli(a.project.LastKnownWriteTime()).Format(time.RFC3339))
	return nil
}

func runWatch(ctx context.Context, a *app, args []string) error {
	unsub, err := a.project.Events().SubscribeAll(events.SubscriberFunc(func(ctx context.Context, event events.Event) {
		c := cyan
		if event.Topic == events.TopicTimeConflict || event.Topic == events.TopicConnectionFailed {
			c = yellow
		}
		target := event.Path
		if event.Topic == events.TopicPathMoved {
			target = event.OldPath + " -> " + event.NewPath
		}
		c.Printf("[%s] %s %s\n", event.EmittedAt.Format(time.TimeOnly), event.Topic, target)
	}))
	if err != nil {
		return err
	}
	defer unsub()

	feedMux := http.NewServeMux()
	feedMux.Handle("/events", feedws.New(feedws.Config{
		Logger:         a.logger,
		Feed:           a.project.Events(),
		MaxConnections: a.cfg.Events.MaxConnections,
		Context:        ctx,
	}))
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))

	servers := []*http.Server{
		{Addr: a.cfg.Events.BindAddr, Handler: feedMux},
		{Addr: a.cfg.Metrics.BindAddr, Handler: metricsMux},
	}

	var wg sync.WaitGroup
	serveErr := make(chan error, len(servers))
	for _, srv := range servers {
		wg.Add(1)
		go func(srv *http.Server) {
			defer wg.Done()
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serveErr <- errors.Wrapf(err, "failed to serve on %s", srv.Addr)
			}
		}(srv)
	}

	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	watcher := project.NewConflictWatcher(a.project, a.cfg.ConflictWatch.Interval, a.cfg.ConflictWatch.Burst)
	wg.Add(1)
	go func() {
		defer wg.Done()
		conflicts := watcher.Run(watchCtx)
		a.logger.Info("conflict watcher finished", "conflicts", conflicts)
	}()

	cyan.Printf("👀 Watching %s: events on ws://%s/events, metrics on http://%s/metrics\n",
		*projectName, a.cfg.Events.BindAddr, a.cfg.Metrics.BindAddr)

	select {
	case <-ctx.Done():
		err = nil
	case err = <-serveErr:
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	for _, srv := range servers {
		if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil {
			a.logger.Warn("server shutdown failed", "addr", srv.Addr, "error", shutdownErr)
		}
	}
	wg.Wait()
	yellow.Println("🛑 Stopped watching")
	return err
}

func runShell(ctx context.Context, a *app, args []string) error {
	program := tea.NewProgram(shell.New(ctx, shell.ReplConfig{}, a.project), tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := program.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return errors.Wrap(err, "shell exited")
	}
	return nil
}

func runDeleteProject(ctx context.Context, a *app, args []string) error {
	if err := a.project.DeleteProject(ctx, *projectName); err != nil {
		return err
	}
	green.Printf("🗑️  Deleted project %s\n", *projectName)
	return nil
}
