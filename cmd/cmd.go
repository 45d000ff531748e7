package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/thiagokokada/vcslog/internal/buildinfo"
	"github.com/thiagokokada/vcslog/internal/config"
	"github.com/thiagokokada/vcslog/internal/git"
	"github.com/thiagokokada/vcslog/internal/heavy"
	"github.com/thiagokokada/vcslog/internal/logdata"
	"github.com/thiagokokada/vcslog/internal/logstore"
	"github.com/thiagokokada/vcslog/internal/session"
)

func Run() error {
	return run(os.Args[1:])
}

func run(args []string) error {
	root := newRootCommand()
	root.SetArgs(args)
	return root.Execute()
}

type globalFlags struct {
	configPath string
	verbose    bool
	roots      []string
	storageDir string
	maxCommits int
	powerSave  bool
}

func newRootCommand() *cobra.Command {
	var g globalFlags
	root := &cobra.Command{
		Use:           "vcslog",
		Short:         "Load and navigate the commit log of one or more repositories",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			level := slog.LevelInfo
			if g.verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
		},
	}
	flags := root.PersistentFlags()
	flags.StringVar(&g.configPath, "config", config.Path(), "path to the configuration file")
	flags.BoolVar(&g.verbose, "verbose", false, "enable verbose logging")
	flags.StringArrayVar(&g.roots, "root", nil, "repository root to include (repeatable)")
	flags.StringVar(&g.storageDir, "storage-dir", "", "directory of the commit index (empty keeps it in memory)")
	flags.IntVar(&g.maxCommits, "max-commits", 0, "maximum commits loaded per root")
	flags.BoolVar(&g.powerSave, "power-save", false, "postpone background indexing")

	root.AddCommand(newJumpCommand(&g), newWatchCommand(&g), newVersionCommand())
	return root
}

// loadConfig reads the configuration file and applies the flags that were
// set explicitly on the command line.
func loadConfig(cmd *cobra.Command, g *globalFlags) (config.Config, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return config.Config{}, err
	}
	flags := cmd.Flags()
	if flags.Changed("root") {
		cfg.Roots = g.roots
	}
	if flags.Changed("storage-dir") {
		cfg.StorageDir = g.storageDir
	}
	if flags.Changed("max-commits") {
		cfg.MaxCommits = g.maxCommits
	}
	if flags.Changed("power-save") {
		cfg.PowerSave = g.powerSave
	}
	if len(cfg.Roots) == 0 {
		cfg.Roots = []string{"."}
	}
	return cfg, cfg.Validate()
}

func sessionOptions(cfg config.Config) (session.Options, error) {
	roots := make([]logdata.Root, 0, len(cfg.Roots))
	for _, r := range cfg.Roots {
		abs, err := filepath.Abs(r)
		if err != nil {
			return session.Options{}, fmt.Errorf("resolve root %q: %w", r, err)
		}
		roots = append(roots, logdata.Root(abs))
	}
	store := logstore.InMemoryConfig()
	if cfg.StorageDir != "" {
		store = logstore.DefaultConfig(cfg.StorageDir)
	}
	opts := session.Options{
		Roots:          roots,
		Loader:         git.NewReader(cfg.MaxCommits),
		Gate:           cfg.GateConfig(),
		Store:          store,
		Watch:          cfg.Watch.Enabled,
		WatchDebounce:  cfg.Watch.Debounce,
		RefreshDelay:   cfg.Watch.RefreshDelay,
		StaleLockAfter: cfg.Watch.StaleLock,
	}
	if cfg.PowerSave {
		opts.PowerSave = heavy.NewToggle(true)
	}
	return opts, nil
}

// loaded accepts the view once it shows the pack the manager published
// last, either a successful load or its error. The manager hands out a
// fresh empty pack until its first publication.
func loaded(s *session.Session) func(*logdata.VisiblePack) bool {
	return func(vp *logdata.VisiblePack) bool {
		return vp.DataPack() == s.DataPack()
	}
}

func newJumpCommand(g *globalFlags) *cobra.Command {
	var (
		filter  logdata.Filter
		inRoot  string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "jump <ref-or-hash>",
		Short: "Resolve a branch, tag or hash to a row of the log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, g)
			if err != nil {
				return err
			}
			// one-shot lookups do not watch
			cfg.Watch.Enabled = false
			opts, err := sessionOptions(cfg)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			return jump(ctx, cmd.OutOrStdout(), opts, filter, args[0], inRoot)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&filter.Text, "text", "", "only show commits whose message or hash contains text")
	flags.BoolVar(&filter.Regex, "regex", false, "treat --text as a regular expression")
	flags.StringVar(&filter.Author, "author", "", "only show commits by this author")
	flags.StringVar(&filter.Branch, "branch", "", "only show commits reachable from this branch")
	flags.StringVar(&inRoot, "in-root", "", "resolve branch names in this root only")
	flags.DurationVar(&timeout, "timeout", time.Minute, "give up after this long")
	return cmd
}

func jump(ctx context.Context, out io.Writer, opts session.Options, filter logdata.Filter, target, inRoot string) (err error) {
	s, err := session.Open(ctx, opts)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, s.Close()) }()

	view, err := s.OpenView(ctx, "cli", filter)
	if err != nil {
		return err
	}
	defer view.Close()
	if err := view.Show(ctx); err != nil {
		return err
	}
	vp, err := view.WaitFor(ctx, loaded(s))
	if err != nil {
		return fmt.Errorf("wait for log: %w", err)
	}
	if pack := vp.DataPack(); pack.IsError() {
		return fmt.Errorf("load log: %w", pack.Err())
	}

	var root *logdata.Root
	if inRoot != "" {
		abs, err := filepath.Abs(inRoot)
		if err != nil {
			return fmt.Errorf("resolve root %q: %w", inRoot, err)
		}
		r := logdata.Root(abs)
		root = &r
	}
	res, err := view.Resolver.Resolve(ctx, target, root)
	if err != nil {
		return err
	}
	if !res.OK() {
		return fmt.Errorf("%s: %s", target, res)
	}
	commit, _ := view.VisiblePack().CommitAt(res.Row)
	fmt.Fprintf(out, "row %d: %s\n\n", res.Row, git.FormatSummary(commit))
	fmt.Fprint(out, git.FormatCommitHeader(commit))
	return nil
}

func newWatchCommand(g *globalFlags) *cobra.Command {
	var metricsAddr string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Keep the log loaded and refresh it when the repositories change",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, g)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("metrics-addr") {
				cfg.MetricsAddr = metricsAddr
			}
			cfg.Watch.Enabled = true
			opts, err := sessionOptions(cfg)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return watchLog(ctx, cmd.OutOrStdout(), opts, cfg.MetricsAddr)
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address")
	return cmd
}

func watchLog(ctx context.Context, out io.Writer, opts session.Options, metricsAddr string) (err error) {
	s, err := session.Open(ctx, opts)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, s.Close()) }()

	if metricsAddr != "" {
		stopMetrics := serveMetrics(metricsAddr)
		defer func() { err = errors.Join(err, stopMetrics()) }()
	}

	unsubscribe := s.Manager().Subscribe(func(pack *logdata.DataPack) {
		if pack.IsError() {
			fmt.Fprintf(out, "v%d: error: %v\n", pack.Version(), pack.Err())
			return
		}
		fmt.Fprintf(out, "v%d: %d commits, %d refs (%s)\n", pack.Version(), pack.Len(), len(pack.Refs()), pack.Status())
	})
	defer unsubscribe()

	view, err := s.OpenView(ctx, "watch", logdata.Filter{})
	if err != nil {
		return err
	}
	defer view.Close()
	if err := view.Show(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	slog.Debug("watch stopped", slog.Any("cause", context.Cause(ctx)))
	return nil
}

func serveMetrics(addr string) (stop func() error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server failed", slog.String("addr", addr), slog.Any("error", err))
		}
	}()
	slog.Info("serving metrics", slog.String("addr", addr))
	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), buildinfo.VersionWithTags())
		},
	}
}
