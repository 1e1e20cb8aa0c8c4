package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jmylchreest/abrplay/internal/config"
	internalhttp "github.com/jmylchreest/abrplay/internal/http"
	"github.com/jmylchreest/abrplay/internal/observability"
	"github.com/jmylchreest/abrplay/internal/output"
	"github.com/jmylchreest/abrplay/internal/session"
)

var playCmd = &cobra.Command{
	Use:   "play <url>",
	Short: "Play an HLS presentation",
	Long: `Play an HLS master or media playlist until it ends or the command is
interrupted, then print per-stream statistics.

Segments are fetched over http(s) or, for local files, file:// URLs.
With --output-dir every selected elementary stream is written to its own
file as raw access units.`,
	Args: cobra.ExactArgs(1),
	RunE: runPlay,
}

func init() {
	rootCmd.AddCommand(playCmd)

	playCmd.Flags().String("output-dir", "", "write elementary stream payloads to this directory")
	playCmd.Flags().StringSlice("kinds", nil, "elementary stream kinds to select (video, audio); empty selects all")
	playCmd.Flags().Float64("speed", 0, "playback speed against wall time; 0 plays as fast as buffered")
	playCmd.Flags().Duration("start", 0, "start playback at this media position")
	playCmd.Flags().Duration("duration", 0, "stop after this much wall time (0 = until the end)")
	playCmd.Flags().String("logic", "", "adaptation logic (rate, predictive, fixed)")
	playCmd.Flags().Uint64("bitrate", 0, "bitrate ceiling in bits per second for the fixed logic")
	playCmd.Flags().Duration("min-buffer", 0, "minimum buffering before output starts")
	playCmd.Flags().Duration("max-buffer", 0, "maximum buffering ahead of the output clock")
	playCmd.Flags().Bool("prefetch", false, "download whole segments in the background")
	playCmd.Flags().String("metrics-listen", "", "serve Prometheus metrics on this address")
}

// applyPlayFlags overrides cfg with the flags set on the command line.
func applyPlayFlags(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	if changed(flags, "logic") {
		cfg.Adaptation.Logic, _ = flags.GetString("logic")
	}
	if changed(flags, "bitrate") {
		cfg.Adaptation.Bitrate, _ = flags.GetUint64("bitrate")
	}
	if changed(flags, "min-buffer") {
		cfg.Buffering.Min, _ = flags.GetDuration("min-buffer")
	}
	if changed(flags, "max-buffer") {
		cfg.Buffering.Max, _ = flags.GetDuration("max-buffer")
	}
	if changed(flags, "prefetch") {
		cfg.HTTP.Prefetch, _ = flags.GetBool("prefetch")
	}
	if changed(flags, "metrics-listen") {
		cfg.Metrics.Listen, _ = flags.GetString("metrics-listen")
		cfg.Metrics.Enabled = cfg.Metrics.Listen != ""
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}
	return nil
}

// startPosition returns the --start position.
func startPosition(cmd *cobra.Command) (time.Duration, error) {
	start, err := cmd.Flags().GetDuration("start")
	if err != nil {
		return 0, err
	}
	if start < 0 {
		return 0, fmt.Errorf("invalid start position %s: must not be negative", start)
	}
	return start, nil
}

func runPlay(cmd *cobra.Command, args []string) (err error) {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := applyPlayFlags(cmd, cfg); err != nil {
		return err
	}

	outputDir, _ := cmd.Flags().GetString("output-dir")
	kinds, _ := cmd.Flags().GetStringSlice("kinds")
	speed, _ := cmd.Flags().GetFloat64("speed")
	limit, _ := cmd.Flags().GetDuration("duration")
	start, err := startPosition(cmd)
	if err != nil {
		return err
	}

	logger := slog.Default()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if limit > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, limit)
		defer cancel()
	}

	rec, err := output.NewRecorder(output.Options{Dir: outputDir, Kinds: kinds, Logger: logger})
	if err != nil {
		return err
	}
	defer func() {
		if cerr := rec.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("closing output: %w", cerr)
		}
	}()

	sess, err := session.New(cfg, rec, session.Options{Speed: speed, Logger: logger})
	if err != nil {
		return fmt.Errorf("creating session: %w", err)
	}
	defer sess.Close()

	if err := sess.Open(ctx, args[0]); err != nil {
		return err
	}
	if start > 0 {
		if err := sess.Seek(ctx, start); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	playCtx, finish := context.WithCancel(gctx)
	defer finish()

	if cfg.Metrics.Enabled && cfg.Metrics.Listen != "" {
		srv := internalhttp.NewServer(internalhttp.DefaultServerConfig(cfg.Metrics.Listen), logger)
		g.Go(func() error {
			return srv.ListenAndServe(playCtx)
		})
	}
	g.Go(func() error {
		defer finish()
		return sess.Run(playCtx)
	})

	started := time.Now()
	err = g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		observability.WithError(logger, err).Info("playback interrupted")
		err = nil
	}

	printStats(cmd.OutOrStdout(), sess, rec, time.Since(started))
	return err
}

// printStats writes the stream and elementary stream summaries as tables.
func printStats(w io.Writer, sess *session.Session, rec *output.Recorder, wall time.Duration) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)

	fmt.Fprintf(tw, "SESSION\t%s\twall %s\n\n", sess.ID(), wall.Round(time.Millisecond))

	fmt.Fprintln(tw, "SET\tKIND\tFORMAT\tREPRESENTATION\tBANDWIDTH\tSWITCHES\tSEGMENTS\tSTATE")
	for _, st := range sess.Stats() {
		state := "ok"
		switch {
		case st.Dead:
			state = "dead"
		case st.Disabled:
			state = "disabled"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
			st.AdaptationSet, st.Kind, st.Format, st.Representation,
			bitrate(st.Bandwidth), st.Switches, st.Segments, state)
	}

	fmt.Fprintln(tw)
	fmt.Fprintln(tw, "ES\tKIND\tCODEC\tBLOCKS\tKEYFRAMES\tBYTES\tDURATION\tFILE")
	for _, es := range rec.Stats().ES {
		if !es.Selected {
			continue
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			es.ID, es.Format.Kind, es.Format.Codec,
			humanize.Comma(int64(es.Blocks)), humanize.Comma(int64(es.Keyframes)),
			humanize.IBytes(es.Bytes), es.Duration().Round(time.Millisecond), es.File)
	}
	_ = tw.Flush()
}

func bitrate(bps uint64) string {
	if bps == 0 {
		return "-"
	}
	return humanize.SIWithDigits(float64(bps), 1, "bps")
}
