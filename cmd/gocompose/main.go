// Package main provides the gocompose command line tool.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	compositor "github.com/VantageDataChat/GoCompositor"
	"github.com/VantageDataChat/GoCompositor/server"
	"github.com/VantageDataChat/GoCompositor/table"
	"github.com/spf13/cobra"
)

var (
	fontDirs    []string
	baseURL     string
	verbose     bool
	loadTimeout time.Duration

	dataPath     string
	renderOutput string
	exportOutput string
	format       string
	quality      int
	row          int
	native       bool
	skipFailed   bool

	serveAddr   string
	serveURL    string
	serveDB     string
	serveAssets string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// newRootCmd builds the command tree. Flag defaults are written into the
// package variables here, so each call starts from a clean state.
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "gocompose",
		Short: "Render data-driven graphics from a template and a table",
		Long: `gocompose composites text and images from a CSV or XLSX table onto a
template image, one output image per enabled row, and bundles them with
a manifest into a ZIP archive.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelWarn
			if verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
		},
	}
	rootCmd.PersistentFlags().StringSliceVar(&fontDirs, "font-dir", nil, "Additional font directory (repeatable)")
	rootCmd.PersistentFlags().StringVar(&baseURL, "base-url", "", "Origin used to fetch proxy and root-relative image paths")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log font and image diagnostics")
	rootCmd.PersistentFlags().DurationVar(&loadTimeout, "load-timeout", compositor.DefaultLoadTimeout, "Timeout per image candidate")

	renderCmd := &cobra.Command{
		Use:   "render <scene>",
		Short: "Render one row of a scene to an image",
		Args:  cobra.ExactArgs(1),
		RunE:  runRender,
	}
	renderCmd.Flags().StringVarP(&renderOutput, "output", "o", "", "Output image path (default: <scene>-row<N>.<ext>)")
	renderCmd.Flags().StringVar(&dataPath, "data", "", "CSV or XLSX file replacing the scene's dataset")
	renderCmd.Flags().StringVar(&format, "format", "png", "Image format: png or jpeg")
	renderCmd.Flags().IntVar(&quality, "quality", 90, "JPEG quality (1-100)")
	renderCmd.Flags().IntVar(&row, "row", 1, "1-based row to render")
	renderCmd.Flags().BoolVar(&native, "native", false, "Render at the template's native resolution, without editing affordances")

	exportCmd := &cobra.Command{
		Use:   "export <scene>",
		Short: "Render every enabled row and bundle them into a ZIP archive",
		Args:  cobra.ExactArgs(1),
		RunE:  runExport,
	}
	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", compositor.DefaultArchiveName, "Output archive path")
	exportCmd.Flags().StringVar(&dataPath, "data", "", "CSV or XLSX file replacing the scene's dataset")
	exportCmd.Flags().StringVar(&format, "format", "png", "Image format: png or jpeg")
	exportCmd.Flags().IntVar(&quality, "quality", 90, "JPEG quality (1-100)")
	exportCmd.Flags().BoolVar(&skipFailed, "skip-failed", false, "Skip rows that fail to render instead of aborting")

	validateCmd := &cobra.Command{
		Use:   "validate <scene>",
		Short: "Check a scene file for structural problems",
		Args:  cobra.ExactArgs(1),
		RunE:  runValidate,
	}

	resolveCmd := &cobra.Command{
		Use:   "resolve <value>...",
		Short: "Print the image candidates a cell value resolves to",
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			for _, v := range args {
				candidates := compositor.ResolveImageSource(v)
				if len(candidates) == 0 {
					fmt.Printf("%s\t(unresolved)\n", v)
					continue
				}
				for i, c := range candidates {
					fmt.Printf("%s\t%d\t%s\n", v, i+1, c)
				}
			}
		},
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve projects, previews, exports and the image proxy over HTTP",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (env COMPOSITOR_ADDR, default :8080)")
	serveCmd.Flags().StringVar(&serveURL, "url", "", "Public origin of the server (env COMPOSITOR_URL)")
	serveCmd.Flags().StringVar(&serveDB, "db", "", "SQLite database path (env COMPOSITOR_DB)")
	serveCmd.Flags().StringVar(&serveAssets, "assets", "", "Asset directory for relative image paths (env COMPOSITOR_ASSETS)")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("gocompose", compositor.Version)
		},
	}

	rootCmd.AddCommand(renderCmd, exportCmd, validateCmd, resolveCmd, serveCmd, versionCmd)
	return rootCmd
}

func newRenderer(scenePath string) (*compositor.Renderer, *compositor.SourceLoader, error) {
	f, err := compositor.ParseImageFormat(format)
	if err != nil {
		return nil, nil, err
	}
	loader := compositor.NewSourceLoader(baseURL, filepath.Dir(scenePath))
	opts := compositor.DefaultRenderOptions()
	opts.Format = f
	opts.JPEGQuality = quality
	opts.FontDirs = fontDirs
	opts.Loader = loader
	opts.LoadTimeout = loadTimeout
	return compositor.NewRenderer(opts), loader, nil
}

// loadScene reads a scene file and restores it. A --data file replaces the
// scene's dataset.
func loadScene(ctx context.Context, path string, loader compositor.ImageLoader) (*compositor.Document, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("file not found: %s", path)
	}
	snap, err := compositor.LoadSnapshotFile(path)
	if err != nil {
		return nil, err
	}
	doc, err := snap.Restore(ctx, loader, filepath.Dir(path))
	if err != nil {
		return nil, err
	}
	if dataPath != "" {
		t, err := table.ParseFile(dataPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load data: %w", err)
		}
		doc.SetDataset(compositor.DatasetFromTable(t))
	}
	return doc, nil
}

func runRender(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	r, loader, err := newRenderer(args[0])
	if err != nil {
		return err
	}
	doc, err := loadScene(ctx, args[0], loader)
	if err != nil {
		return err
	}
	if doc.Template() == nil {
		return compositor.ErrNoTemplate
	}
	outputPath := renderOutput
	if outputPath == "" {
		base := strings.TrimSuffix(args[0], filepath.Ext(args[0]))
		outputPath = fmt.Sprintf("%s-row%d%s", base, row, r.Options().Format.Extension())
	}

	if native {
		if err := r.SaveRowAsImage(ctx, doc, row-1, outputPath); err != nil {
			return fmt.Errorf("render failed: %w", err)
		}
	} else {
		img, err := r.RenderRow(ctx, doc, row-1)
		if err != nil {
			return fmt.Errorf("render failed: %w", err)
		}
		f, err := os.Create(outputPath)
		if err != nil {
			return err
		}
		if err := compositor.EncodeImage(f, img, r.Options().Format, r.Options().JPEGQuality); err != nil {
			f.Close()
			return fmt.Errorf("failed to write output: %w", err)
		}
		if err := f.Close(); err != nil {
			return err
		}
	}
	fmt.Printf("Rendered row %d to %s\n", row, outputPath)
	return nil
}

func runExport(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	r, loader, err := newRenderer(args[0])
	if err != nil {
		return err
	}
	doc, err := loadScene(ctx, args[0], loader)
	if err != nil {
		return err
	}

	opts := compositor.ExportOptions{
		Progress: func(p compositor.ExportProgress) {
			fmt.Fprintln(os.Stderr, p)
		},
	}
	if skipFailed {
		opts.OnRowError = compositor.SkipFailedRows
	}
	res, err := compositor.NewExporter(r, opts).ExportToFile(ctx, doc, exportOutput)
	if err != nil {
		if errors.Is(err, compositor.ErrNothingToExport) {
			return errors.New("no enabled rows to export")
		}
		return fmt.Errorf("export failed: %w", err)
	}
	for _, f := range res.Failures {
		fmt.Fprintf(os.Stderr, "skipped: %v\n", f)
	}
	fmt.Printf("Exported %d rows to %s\n", res.Rendered, exportOutput)
	return nil
}

func runValidate(cmd *cobra.Command, args []string) error {
	loader := compositor.NewSourceLoader(baseURL, filepath.Dir(args[0]))
	doc, err := loadScene(cmd.Context(), args[0], loader)
	if err != nil {
		return err
	}
	if err := doc.Validate(); err != nil {
		return err
	}
	fmt.Printf("%s: %d elements, %d rows (%d enabled)\n",
		args[0], len(doc.Order()), doc.RowCount(), doc.EnabledRowCount())
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := server.ConfigFromEnv()
	if serveAddr != "" {
		cfg.Addr = serveAddr
	}
	if serveURL != "" {
		cfg.URL = serveURL
	}
	if serveDB != "" {
		cfg.DatabasePath = serveDB
	}
	if serveAssets != "" {
		cfg.AssetDir = serveAssets
	}
	if len(fontDirs) > 0 {
		cfg.FontDirs = append(cfg.FontDirs, fontDirs...)
	}
	if cmd.Flags().Changed("load-timeout") {
		cfg.LoadTimeout = loadTimeout
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	app := server.New(cfg, server.WithLogger(logger))
	defer app.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()
	errc := make(chan error, 1)
	go func() { errc <- app.Start() }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return app.Echo.Shutdown(shutdownCtx)
	}
}
