package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"symbold/pkg/bus"
	"symbold/pkg/db"
	gos3 "symbold/pkg/s3"
	"symbold/pkg/symbols"
	"symbold/services/indexer"
	"symbold/services/symbolserver"
)

type globalOptions struct {
	configPath string
	logLevel   string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &globalOptions{}
	cmd := &cobra.Command{
		Use:           "symbolctl",
		Short:         "Index build symbols and publish them to the symbol server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "Path to the symbolctl YAML configuration")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	cmd.AddCommand(newIndexCommand(opts))
	cmd.AddCommand(newWatchCommand(opts))
	cmd.AddCommand(newSignatureCommand(opts))
	cmd.AddCommand(newReindexCommand(opts))
	cmd.AddCommand(newInvalidateCommand(opts))
	cmd.AddCommand(newMigrateCommand(opts))
	cmd.AddCommand(newTokenCommand(opts))
	cmd.AddCommand(newGrantCommand(opts))
	return cmd
}

func (o *globalOptions) logger() zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(o.logLevel))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(lvl).With().Timestamp().Logger()
}

// runFlags are shared by index and watch; set flags override the config file.
type runFlags struct {
	buildID    int64
	projectID  string
	sourceRoot string
	serverURL  string
	toolsDir   string
	srcsrvDir  string
	outputDir  string
	bucket     string
	natsURL    string
	rules      []string
}

func (f *runFlags) register(cmd *cobra.Command) {
	cmd.Flags().Int64Var(&f.buildID, "build-id", 0, "Build identifier")
	cmd.Flags().StringVar(&f.projectID, "project-id", "", "Project the build belongs to")
	cmd.Flags().StringVar(&f.sourceRoot, "source-root", "", "Checkout directory of the build sources")
	cmd.Flags().StringVar(&f.serverURL, "server-url", "", "Sources endpoint of the symbol server (e.g. https://symbols.example.com/app/sources)")
	cmd.Flags().StringVar(&f.toolsDir, "tools-dir", "", "Directory of the symbols tool")
	cmd.Flags().StringVar(&f.srcsrvDir, "srcsrv-dir", "", "Directory of pdbstr and srctool")
	cmd.Flags().StringVar(&f.outputDir, "output", "", "Directory receiving the signature index documents")
	cmd.Flags().StringVar(&f.bucket, "bucket", "", "S3 bucket receiving the build artifacts")
	cmd.Flags().StringVar(&f.natsURL, "nats-url", "", "NATS server announcing published builds")
	cmd.Flags().StringArrayVar(&f.rules, "artifact", nil, "Artifact rule \"source => target\" (repeatable)")
}

func (f *runFlags) apply(cmd *cobra.Command, cfg *indexer.Config) error {
	set := func(name string, dst *string, v string) {
		if cmd.Flags().Changed(name) {
			*dst = v
		}
	}
	if cmd.Flags().Changed("build-id") {
		cfg.BuildID = f.buildID
	}
	set("project-id", &cfg.ProjectID, f.projectID)
	set("source-root", &cfg.SourceRoot, f.sourceRoot)
	set("server-url", &cfg.ServerURL, f.serverURL)
	set("tools-dir", &cfg.ToolsDir, f.toolsDir)
	set("srcsrv-dir", &cfg.SrcSrvDir, f.srcsrvDir)
	set("output", &cfg.OutputDir, f.outputDir)
	set("bucket", &cfg.Bucket, f.bucket)
	set("nats-url", &cfg.NatsURL, f.natsURL)
	if len(f.rules) > 0 {
		cfg.Artifacts = cfg.Artifacts[:0]
		for _, raw := range f.rules {
			rule, err := indexer.ParseArtifactRule(raw)
			if err != nil {
				return err
			}
			cfg.Artifacts = append(cfg.Artifacts, rule)
		}
	}
	return cfg.Validate()
}

// run wires a session and publisher from the configuration.
type run struct {
	cfg       *indexer.Config
	session   *indexer.Session
	publisher *indexer.Publisher
	events    *bus.Bus
	log       zerolog.Logger
}

func newRun(cfg *indexer.Config, log zerolog.Logger) (*run, error) {
	runner := indexer.ExecRunner{Timeout: cfg.ToolTimeout, Log: log}
	tools, err := indexer.NewToolset(cfg.ToolsDir, cfg.SrcSrvDir, runner, log)
	if err != nil {
		return nil, err
	}
	session, err := indexer.NewSession(cfg.SessionConfig(), tools, log)
	if err != nil {
		return nil, err
	}
	r := &run{cfg: cfg, session: session, log: log}

	if cfg.Bucket == "" {
		return r, nil
	}
	store, err := gos3.NewClientFromEnv()
	if err != nil {
		return nil, fmt.Errorf("s3 client: %w", err)
	}
	var events indexer.EventPublisher
	if cfg.NatsURL != "" {
		r.events, err = bus.New(cfg.NatsURL)
		if err != nil {
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		events = r.events
	}
	r.publisher, err = indexer.NewPublisher(store, events, cfg.Bucket, cfg.TempDir, log)
	if err != nil {
		r.close()
		return nil, err
	}
	return r, nil
}

func (r *run) close() {
	if r.events != nil {
		r.events.Close()
	}
}

// pass collects the configured artifacts, writes the index documents and
// publishes them when a bucket is configured.
func (r *run) pass(ctx context.Context) error {
	artifacts, err := r.cfg.ResolveArtifacts()
	if err != nil {
		return err
	}
	report := r.session.Collect(ctx, artifacts)

	outputDir := r.cfg.OutputDir
	if outputDir == "" {
		outputDir = filepath.Join(os.TempDir(), fmt.Sprintf("symbold-build-%d", r.cfg.BuildID))
	}
	docs, err := r.session.Finish(outputDir)
	if err != nil {
		return err
	}
	for _, doc := range docs {
		r.log.Info().Str("document", doc.Path).Int("entries", doc.Entries).Msg("signature index written")
	}

	if r.publisher != nil {
		if _, err := r.publisher.Publish(ctx, r.cfg.BuildRef(), indexer.PublishPlan{
			Artifacts: artifacts,
			Documents: docs,
			Sources:   r.session.Sources(),
		}); err != nil {
			return err
		}
	}
	if len(report.Errors) > 0 {
		return fmt.Errorf("%d files failed to index: %w", len(report.Errors), errors.Join(report.Errors...))
	}
	return nil
}

func loadConfig(cmd *cobra.Command, opts *globalOptions, flags *runFlags) (*indexer.Config, error) {
	cfg, err := indexer.LoadConfig(opts.configPath)
	if err != nil {
		return nil, err
	}
	if err := flags.apply(cmd, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newIndexCommand(opts *globalOptions) *cobra.Command {
	flags := &runFlags{}
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Patch symbol files, write signature indexes and publish the build artifacts",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := opts.logger()
			cfg, err := loadConfig(cmd, opts, flags)
			if err != nil {
				return err
			}
			r, err := newRun(cfg, log)
			if err != nil {
				return err
			}
			defer r.close()
			return r.pass(cmd.Context())
		},
	}
	flags.register(cmd)
	return cmd
}

func newWatchCommand(opts *globalOptions) *cobra.Command {
	flags := &runFlags{}
	var quiet time.Duration
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Index artifacts again whenever the artifact directories change",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := opts.logger()
			cfg, err := loadConfig(cmd, opts, flags)
			if err != nil {
				return err
			}
			r, err := newRun(cfg, log)
			if err != nil {
				return err
			}
			defer r.close()

			roots := make([]string, 0, len(cfg.Artifacts))
			for _, rule := range cfg.Artifacts {
				root := rule.Source
				if info, err := os.Stat(root); err == nil && !info.IsDir() {
					root = filepath.Dir(root)
				}
				roots = append(roots, root)
			}
			w, err := indexer.NewWatcher(roots, quiet, r.pass, log)
			if err != nil {
				return err
			}
			return w.Run(cmd.Context())
		},
	}
	flags.register(cmd)
	cmd.Flags().DurationVar(&quiet, "quiet", 2*time.Second, "Time without changes before a pass starts")
	return cmd
}

func newSignatureCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "signature <file>...",
		Short: "Print the symbol server signature of PE files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			var errs []error
			for _, file := range args {
				sign, err := symbols.BinarySignatureFile(file)
				if err != nil {
					errs = append(errs, err)
					continue
				}
				fmt.Fprintf(out, "%s\t%s\n", sign, file)
			}
			return errors.Join(errs...)
		},
	}
}

func newBusCommand(opts *globalOptions, use, short, subject string) *cobra.Command {
	var (
		buildID   int64
		projectID string
		natsURL   string
	)
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := indexer.LoadConfig(opts.configPath)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("nats-url") && cfg.NatsURL != "" {
				natsURL = cfg.NatsURL
			}
			if natsURL == "" {
				return errors.New("nats url is required")
			}
			b, err := bus.New(natsURL)
			if err != nil {
				return fmt.Errorf("connect nats: %w", err)
			}
			defer b.Close()

			event := bus.BuildEvent{BuildID: buildID, ProjectID: projectID, At: time.Now().UTC()}
			if err := event.Validate(); err != nil {
				return err
			}
			if err := b.Publish(cmd.Context(), subject, event); err != nil {
				return err
			}
			logger := opts.logger()
			logger.Info().Int64("build_id", buildID).Str("subject", subject).Msg("build event published")
			return nil
		},
	}
	cmd.Flags().Int64Var(&buildID, "build-id", 0, "Build identifier")
	cmd.Flags().StringVar(&projectID, "project-id", "", "Project the build belongs to")
	cmd.Flags().StringVar(&natsURL, "nats-url", "", "NATS server URL")
	_ = cmd.MarkFlagRequired("build-id")
	return cmd
}

func newReindexCommand(opts *globalOptions) *cobra.Command {
	return newBusCommand(opts, "reindex", "Ask the symbol server to index the published artifacts of a build again", bus.SubjectArtifactsPublished)
}

func newInvalidateCommand(opts *globalOptions) *cobra.Command {
	return newBusCommand(opts, "invalidate", "Drop cached symbol lookups of a build after its artifacts changed", bus.SubjectArtifactsChanged)
}

func resolveDSN(dsn string) (string, error) {
	if dsn == "" {
		dsn = os.Getenv("DB_DSN")
	}
	if dsn == "" {
		return "", errors.New("--dsn or DB_DSN is required")
	}
	return dsn, nil
}

// withORM opens the database, applies migrations and hands fn an ORM handle.
func withORM(ctx context.Context, dsn string, fn func(orm *gorm.DB) error) error {
	dsn, err := resolveDSN(dsn)
	if err != nil {
		return err
	}
	pool, err := db.Open(ctx, dsn)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	if err := db.Migrate(ctx, pool); err != nil {
		return err
	}
	orm, err := db.OpenORM(pool)
	if err != nil {
		return err
	}
	return fn(orm)
}

func newMigrateCommand(opts *globalOptions) *cobra.Command {
	var dsn string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the symbol server database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dsn, err := resolveDSN(dsn)
			if err != nil {
				return err
			}
			pool, err := db.Open(cmd.Context(), dsn)
			if err != nil {
				return fmt.Errorf("connect database: %w", err)
			}
			defer pool.Close()
			if err := db.Migrate(cmd.Context(), pool); err != nil {
				return err
			}
			logger := opts.logger()
			logger.Info().Msg("migrations applied")
			return nil
		},
	}
	cmd.Flags().StringVar(&dsn, "dsn", "", "Postgres connection string")
	return cmd
}

func newTokenCommand(opts *globalOptions) *cobra.Command {
	var (
		dsn       string
		principal string
		ttl       time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an access token for symbol and source downloads",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withORM(cmd.Context(), dsn, func(orm *gorm.DB) error {
				raw, err := symbolserver.IssueToken(cmd.Context(), orm, principal, ttl)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), raw)
				logger := opts.logger()
				logger.Info().Str("principal", principal).Dur("ttl", ttl).Msg("token issued")
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&dsn, "dsn", "", "Postgres connection string")
	cmd.Flags().StringVar(&principal, "principal", "", "Principal the token authenticates")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Token lifetime (0 never expires)")
	_ = cmd.MarkFlagRequired("principal")
	return cmd
}

func newGrantCommand(opts *globalOptions) *cobra.Command {
	var (
		dsn        string
		principal  string
		projectID  string
		permission string
	)
	cmd := &cobra.Command{
		Use:   "grant",
		Short: "Grant a principal a permission on a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withORM(cmd.Context(), dsn, func(orm *gorm.DB) error {
				if err := symbolserver.Grant(cmd.Context(), orm, principal, projectID, permission); err != nil {
					return err
				}
				logger := opts.logger()
				logger.Info().Str("principal", principal).Str("project_id", projectID).
					Str("permission", permission).Msg("permission granted")
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&dsn, "dsn", "", "Postgres connection string")
	cmd.Flags().StringVar(&principal, "principal", "", "Principal receiving the grant (\"guest\" for anonymous access)")
	cmd.Flags().StringVar(&projectID, "project-id", "*", "Project the grant applies to (\"*\" for every project)")
	cmd.Flags().StringVar(&permission, "permission", symbols.PermissionViewBuildRuntimeData, "Permission to grant")
	_ = cmd.MarkFlagRequired("principal")
	return cmd
}
