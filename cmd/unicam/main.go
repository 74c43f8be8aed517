// Command unicam renders textured meshes through the unified camera model.
//
// Usage:
//
//	unicam frame --intrinsics camera_params.toml --obj scene.obj --texture albedo.png \
//	    --pos 0,0,5 --forward 0,0,-1 --up 0,1,0 --out frame.png
//	unicam dataset dataset.yaml
//	unicam backends
package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/gogpu/unicam"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// globalOptions are the flags shared by every subcommand.
type globalOptions struct {
	debug    bool
	backend  string
	memoryMB int

	logger *slog.Logger
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	cmd := &cobra.Command{
		Use:   "unicam",
		Short: "Render synthetic fisheye and catadioptric imagery",
		Long: `unicam renders textured meshes through the unified (omnidirectional)
camera model, either one frame at a time or as a dataset driven by a table
of camera poses.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			w := cmd.ErrOrStderr()
			opts.logger = newLogger(w, opts.debug, colorProfile(w))
			unicam.SetLogger(opts.logger)
			opts.logger.Debug("running in debug mode")
		},
	}
	f := cmd.PersistentFlags()
	f.BoolVar(&opts.debug, "debug", false, "verbose logging")
	f.StringVar(&opts.backend, "backend", "", `render backend ("gpu", "software"; default: best available)`)
	f.IntVar(&opts.memoryMB, "memory-budget", 0, "GPU memory budget in MB (0 = unlimited)")

	cmd.AddCommand(newFrameCmd(opts), newDatasetCmd(opts), newBackendsCmd())
	return cmd
}

// openBackend opens the backend selected by --backend. Without a name the
// GPU is tried first and the software backend is the fallback.
func (o *globalOptions) openBackend(override string) (unicam.Backend, error) {
	name := o.backend
	if name == "" {
		name = override
	}
	switch name {
	case unicam.BackendGPU:
		if openGPU == nil {
			return nil, fmt.Errorf("%w: built without GPU support", unicam.ErrBackendNotAvailable)
		}
		return openGPU(o.memoryMB)
	case "":
		if openGPU != nil {
			b, err := openGPU(o.memoryMB)
			if err == nil {
				return b, nil
			}
			o.logger.Warn("GPU not available, using the software backend", "err", err)
		}
		return unicam.Open(unicam.BackendSoftware)
	default:
		return unicam.Open(name)
	}
}

// openGPU is set when the GPU backend is compiled in.
var openGPU func(memoryMB int) (unicam.Backend, error)

func newBackendsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backends",
		Short: "List the compiled-in render backends",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			names := unicam.Available()
			if len(names) == 0 {
				return errors.New("no backends registered")
			}
			return printLines(cmd.OutOrStdout(), names)
		},
	}
}

func printLines(w io.Writer, lines []string) error {
	for _, l := range lines {
		if _, err := fmt.Fprintln(w, l); err != nil {
			return err
		}
	}
	return nil
}
