package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/kwv/navdash/gridmap"
)

// Version is set at build time via -ldflags
var Version = "dev"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd(os.Stdout, os.Stderr).ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			os.Exit(130)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// cli carries state shared by all commands
type cli struct {
	out     io.Writer
	logger  *log.Logger
	verbose bool
}

// newLogger creates a logger with timestamp formatting
func newLogger(w io.Writer, level log.Level) *log.Logger {
	return log.NewWithOptions(w, log.Options{
		ReportTimestamp: true,
		TimeFormat:      "15:04:05.00",
		Level:           level,
	})
}

func newRootCmd(out, errOut io.Writer) *cobra.Command {
	c := &cli{out: out, logger: newLogger(errOut, log.InfoLevel)}

	root := &cobra.Command{
		Use:           "navdash",
		Short:         "navdash serves a robot dashboard over a ROS message bridge",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if c.verbose {
				c.logger.SetLevel(log.DebugLevel)
			}
		},
	}
	root.SetOut(out)
	root.SetErr(errOut)
	root.PersistentFlags().BoolVarP(&c.verbose, "verbose", "v", false, "enable verbose logging")

	root.AddCommand(c.newServeCmd())
	root.AddCommand(c.newInspectCmd())
	root.AddCommand(c.newPixelToWorldCmd())
	root.AddCommand(c.newWorldToPixelCmd())
	return root
}

func (c *cli) newServeCmd() *cobra.Command {
	var configFile string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the dashboard API and keep the bridge connected",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadConfig(configFile)
			if err != nil {
				return err
			}
			c.logger.Info("loaded config", "path", configFile, "transport", cfg.Bridge.Transport)

			app, err := NewApp(cfg, c.logger)
			if err != nil {
				return err
			}
			return app.Run(cmd.Context())
		},
	}
	cmd.Flags().StringVarP(&configFile, "config", "c", "navdash.yaml", "path to configuration file (YAML, or TOML by extension)")
	return cmd
}

// mapFlags are the decode options shared by the offline map commands
type mapFlags struct {
	mode string
}

func (f *mapFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.mode, "mode", "raw", "cell decode mode: raw or trinary")
}

// load reads a raster and optional metadata file and assembles them
func (f *mapFlags) load(c *cli, rasterPath, metaPath string) (*gridmap.OccupancyMap, error) {
	mode, err := gridmap.ParseDecodeMode(f.mode)
	if err != nil {
		return nil, err
	}
	rasterBytes, err := os.ReadFile(rasterPath)
	if err != nil {
		return nil, fmt.Errorf("reading raster: %w", err)
	}
	var metaBytes []byte
	if metaPath != "" {
		if metaBytes, err = os.ReadFile(metaPath); err != nil {
			return nil, fmt.Errorf("reading metadata: %w", err)
		}
	}
	a := gridmap.NewAssembler(gridmap.WithMode(mode), gridmap.WithLogger(c.logger))
	return a.Assemble(rasterBytes, metaBytes), nil
}

func (c *cli) newInspectCmd() *cobra.Command {
	var flags mapFlags
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "inspect RASTER [METADATA]",
		Short: "Decode a map and print its summary",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			metaPath := ""
			if len(args) == 2 {
				metaPath = args[1]
			}
			m, err := flags.load(c, args[0], metaPath)
			if err != nil {
				return err
			}
			s := gridmap.Summarize(m)
			if asJSON {
				enc := json.NewEncoder(c.out)
				enc.SetIndent("", "  ")
				return enc.Encode(s)
			}
			printSummary(c.out, args[0], s)
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the summary as JSON")
	return cmd
}

func printSummary(w io.Writer, name string, s gridmap.MapSummary) {
	fmt.Fprintf(w, "=== %s ===\n", name)
	fmt.Fprintf(w, "Size: %dx%d (%s)\n", s.Width, s.Height, s.Mode)
	fmt.Fprintf(w, "Resolution: %g m/px\n", s.Resolution)
	fmt.Fprintf(w, "Origin: (%g, %g) theta: %g\n", s.Origin.X, s.Origin.Y, s.Origin.Theta)
	fmt.Fprintf(w, "Strategy: %s\n", s.Strategy)
	if s.Reason != "" {
		fmt.Fprintf(w, "Degraded: %s\n", s.Reason)
	}
	if s.Padded > 0 {
		fmt.Fprintf(w, "Padded: %d cells\n", s.Padded)
	}
	if s.Truncated > 0 {
		fmt.Fprintf(w, "Truncated: %d bytes\n", s.Truncated)
	}
	if len(s.Fallbacks) > 0 {
		fmt.Fprintf(w, "Metadata defaults: %v\n", s.Fallbacks)
	}
}

// parseCoords parses the two trailing numeric arguments
func parseCoords(args []string) (float64, float64, error) {
	a, err := strconv.ParseFloat(args[0], 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid coordinate %q: %w", args[0], err)
	}
	b, err := strconv.ParseFloat(args[1], 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid coordinate %q: %w", args[1], err)
	}
	return a, b, nil
}

func (c *cli) newPixelToWorldCmd() *cobra.Command {
	var flags mapFlags
	cmd := &cobra.Command{
		Use:   "pixel-to-world [flags] RASTER METADATA PX PY",
		Short: "Convert a raster pixel to world meters",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			px, py, err := parseCoords(args[2:])
			if err != nil {
				return err
			}
			m, err := flags.load(c, args[0], args[1])
			if err != nil {
				return err
			}
			p := m.Frame().PixelToWorld(px, py)
			fmt.Fprintf(c.out, "%g %g\n", p.X, p.Y)
			return nil
		},
	}
	flags.register(cmd)
	// Flags go before RASTER so negative coordinates stay positional
	cmd.Flags().SetInterspersed(false)
	return cmd
}

func (c *cli) newWorldToPixelCmd() *cobra.Command {
	var flags mapFlags
	cmd := &cobra.Command{
		Use:   "world-to-pixel [flags] RASTER METADATA X Y",
		Short: "Convert world meters to a raster pixel",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			x, y, err := parseCoords(args[2:])
			if err != nil {
				return err
			}
			m, err := flags.load(c, args[0], args[1])
			if err != nil {
				return err
			}
			f := m.Frame()
			px, py := f.WorldToPixel(x, y)
			fmt.Fprintf(c.out, "%d %d\n", px, py)
			if !f.InBounds(px, py) {
				c.logger.Warn("pixel is outside the map", "width", f.Width, "height", f.Height)
			}
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().SetInterspersed(false)
	return cmd
}
