package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/aqua777/go-reviewrag/dataset"
	"github.com/aqua777/go-reviewrag/rag"
	"github.com/aqua777/go-reviewrag/server"
)

// maxPrintedSources matches what the ask command shows per answer.
const maxPrintedSources = 4

// printedFields are the metadata fields shown for each source.
var printedFields = []string{"Clothing ID", "Age", "Title", "Review Text"}

// app carries what every subcommand needs once flags are parsed.
type app struct {
	v        *viper.Viper
	settings settings
	logger   *slog.Logger
	out      io.Writer
	in       io.Reader
}

func newRootCommand() *cobra.Command {
	a := &app{v: viper.New()}

	root := &cobra.Command{
		Use:           AppName,
		Short:         "Answer questions about customer reviews",
		Long:          "Retrieval-augmented question answering over a review dataset.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := bindParams(a.v, cmd.Flags()); err != nil {
				return err
			}
			s, err := loadSettings(a.v)
			if err != nil {
				return err
			}
			a.settings = s
			a.out, a.in = cmd.OutOrStdout(), cmd.InOrStdin()
			a.logger = newLogger(cmd.ErrOrStderr(), s.LogLevel, s.LogFormat)
			slog.SetDefault(a.logger)
			return nil
		},
	}
	registerParams(root.PersistentFlags())

	root.AddCommand(
		&cobra.Command{
			Use:   "build",
			Short: "Build or load the index and print its stats",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return a.runBuild(cmd.Context())
			},
		},
		&cobra.Command{
			Use:   "ask [question]",
			Short: "Answer a question, or read questions from stdin when none is given",
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.runAsk(cmd.Context(), strings.Join(args, " "))
			},
		},
		&cobra.Command{
			Use:   "export [path]",
			Short: "Write the native index (default path: --native-path)",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				path := ""
				if len(args) == 1 {
					path = args[0]
				}
				return a.runExport(cmd.Context(), path)
			},
		},
		&cobra.Command{
			Use:   "serve",
			Short: "Serve /query and /health over HTTP",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return a.runServe(cmd.Context())
			},
		},
	)
	return root
}

func (a *app) newEngine(ctx context.Context) (*rag.Engine, error) {
	s := a.settings
	if s.DatasetPath == "" {
		return nil, errors.New("no dataset given (--dataset or REVIEWRAG_DATASET_PATH)")
	}

	ds, err := dataset.Load(s.DatasetPath)
	if err != nil {
		return nil, err
	}
	a.logger.Info("dataset loaded", "path", s.DatasetPath, "rows", ds.Len(), "columns", len(ds.Columns))

	p, err := newProviders(s, a.logger)
	if err != nil {
		return nil, err
	}
	opts := []rag.Option{
		rag.WithLogger(a.logger),
		rag.WithEmbedder(p.Embedder),
		rag.WithLLM(p.LLM),
		rag.WithManagedBackend(newManagedBackend(s, a.logger)),
	}

	splitter, err := newSplitter(s)
	if err != nil {
		return nil, err
	}
	if splitter != nil {
		opts = append(opts, rag.WithSplitter(splitter))
	}

	return rag.New(ctx, ds, s.engineConfig(), opts...)
}

func (a *app) runBuild(ctx context.Context) error {
	engine, err := a.newEngine(ctx)
	if err != nil {
		return err
	}
	printStats(a.out, engine.Stats())
	return nil
}

func (a *app) runExport(ctx context.Context, path string) error {
	engine, err := a.newEngine(ctx)
	if err != nil {
		return err
	}
	if err := engine.ExportNativeIndex(ctx, path); err != nil {
		return err
	}
	if path == "" {
		path = engine.Config().NativePath
	}
	fmt.Fprintf(a.out, "Native index written to %s (%d fragments)\n", path, engine.Stats().Fragments)
	return nil
}

func (a *app) runAsk(ctx context.Context, question string) error {
	engine, err := a.newEngine(ctx)
	if err != nil {
		return err
	}

	if question != "" {
		return a.ask(ctx, engine, question)
	}

	scanner := bufio.NewScanner(a.in)
	for {
		fmt.Fprint(a.out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(a.out)
			return scanner.Err()
		}
		q := strings.TrimSpace(scanner.Text())
		switch q {
		case "":
			continue
		case "exit", "quit":
			return nil
		}
		if err := a.ask(ctx, engine, q); err != nil {
			fmt.Fprintf(a.out, "Error: %v\n", err)
		}
	}
}

func (a *app) ask(ctx context.Context, engine *rag.Engine, question string) error {
	answer, err := engine.Answer(ctx, question)
	if err != nil {
		return err
	}
	printAnswer(a.out, answer)
	return nil
}

// runServe starts listening before the engine is ready so that /health can
// report progress; SIGHUP rebuilds the managed index.
func (a *app) runServe(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := server.New(
		server.WithLogger(a.logger),
		server.WithRateLimit(a.settings.ServerRPS, max(1, int(a.settings.ServerRPS))),
		server.WithQueryTimeout(a.settings.QueryTimeout))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe(ctx, a.settings.ServerAddr)
	}()

	engine, err := a.newEngine(ctx)
	if err != nil {
		stop()
		<-errCh
		return err
	}
	srv.SetEngine(engine)

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case err := <-errCh:
			return err
		case <-hup:
			a.logger.Info("rebuilding index on SIGHUP")
			if err := engine.Rebuild(ctx); err != nil {
				a.logger.Error("rebuild failed", "error", err)
			}
		}
	}
}

func printAnswer(w io.Writer, answer *rag.Answer) {
	fmt.Fprintf(w, "Answer: %s\n", answer.Answer)
	if !answer.IncludeSources || len(answer.Sources) == 0 {
		return
	}

	n := min(len(answer.Sources), maxPrintedSources)
	fmt.Fprintf(w, "\nSources (up to %d):\n", maxPrintedSources)
	for _, src := range answer.Sources[:n] {
		parts := make([]string, 0, len(printedFields))
		for _, f := range printedFields {
			parts = append(parts, fmt.Sprintf("%s: %s", f, formatField(src.Metadata[f])))
		}
		fmt.Fprintf(w, "- %s\n", strings.Join(parts, " | "))
	}
}

func formatField(v any) string {
	if v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

func printStats(w io.Writer, st rag.Stats) {
	fmt.Fprintf(w, "Index:      %s (%s)\n", st.IndexPath, st.Backend)
	fmt.Fprintf(w, "Source:     %s\n", st.Source)
	fmt.Fprintf(w, "Fragments:  %d\n", st.Fragments)
	fmt.Fprintf(w, "Dimensions: %d\n", st.Dim)
	fmt.Fprintf(w, "Text field: %s\n", st.TextField)
	if st.EmbedModel != "" {
		fmt.Fprintf(w, "Embedding:  %s\n", st.EmbedModel)
	}
	if !st.IndexModTime.IsZero() {
		fmt.Fprintf(w, "Updated:    %s\n", st.IndexModTime.Format("2006-01-02 15:04:05"))
	}
}
