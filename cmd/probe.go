package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/vzahanych/view-guard-meta/console/internal/analyzer"
	"github.com/vzahanych/view-guard-meta/console/internal/capture"
	"github.com/vzahanych/view-guard-meta/console/internal/console"
	"github.com/vzahanych/view-guard-meta/console/internal/detection"
	"github.com/vzahanych/view-guard-meta/console/internal/sampler"
	"github.com/vzahanych/view-guard-meta/console/internal/scoring"
)

var (
	probeMode     string
	probeDuration time.Duration
	probeAnalyzer string
	probeQuiet    bool
)

var probeCmd = &cobra.Command{
	Use:   "probe <video>",
	Short: "Stream a video file to the analyzer and print the verdict",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runProbe(cmd.Context(), args[0])
	},
}

func init() {
	probeCmd.Flags().StringVarP(&probeMode, "mode", "m", "faceswap", "Analysis pipeline: faceswap or ai_generated")
	probeCmd.Flags().DurationVarP(&probeDuration, "duration", "d", 0, "Stop after this long (0 runs until the file ends)")
	probeCmd.Flags().StringVar(&probeAnalyzer, "analyzer", "", "Override the analyzer base URL")
	probeCmd.Flags().BoolVarP(&probeQuiet, "quiet", "q", false, "Print only the final summary")
	rootCmd.AddCommand(probeCmd)
}

// probeHandler forwards session events to the probe loop
type probeHandler struct {
	opened   chan struct{}
	messages chan detection.Message
	closed   chan error
	done     chan struct{}
}

func newProbeHandler() *probeHandler {
	return &probeHandler{
		opened:   make(chan struct{}, 1),
		messages: make(chan detection.Message, 16),
		closed:   make(chan error, 1),
		done:     make(chan struct{}),
	}
}

func (h *probeHandler) SessionOpened() {
	select {
	case h.opened <- struct{}{}:
	default:
	}
}

func (h *probeHandler) SessionMessage(msg detection.Message) {
	select {
	case h.messages <- msg:
	case <-h.done:
	}
}

func (h *probeHandler) SessionClosed(err error) {
	select {
	case h.closed <- err:
	default:
	}
}

type probeResult struct {
	batches         int
	faces           int
	fakes           int
	peak            float64
	last            scoring.Scores
	errors          int
	analyzerMetrics *detection.AnalyzerMetrics
}

func runProbe(ctx context.Context, path string) error {
	mode, err := detection.ParseMode(probeMode)
	if err != nil {
		return err
	}
	if !mode.IsUpload() {
		return fmt.Errorf("probe analyzes files; mode %q is not an upload mode", probeMode)
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("cannot read %s: %w", path, err)
	}

	analyzerCfg := cfg.Console.Analyzer
	if probeAnalyzer != "" {
		analyzerCfg.BaseURL = probeAnalyzer
	}

	client := analyzer.NewClient(analyzerCfg, 5*time.Second, log.Named("analyzer"))
	health, err := client.Health(ctx)
	if err != nil {
		return fmt.Errorf("analyzer unreachable at %s: %w", client.HealthURL(), err)
	}
	if !health.Ready() {
		return fmt.Errorf("analyzer at %s is not ready", client.HealthURL())
	}

	ffmpeg, err := capture.NewFFmpeg(cfg.Console.Capture.FFmpegPath, log.Named("ffmpeg"))
	if err != nil {
		return err
	}
	opener := capture.NewFFmpegOpener(ffmpeg, cfg.Console.Capture, log.Named("capture"))

	if probeDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, probeDuration)
		defer cancel()
	}

	src, err := opener.OpenFile(ctx, path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer src.Close()

	handler := newProbeHandler()
	session := analyzer.NewSession(analyzerCfg, handler, log.Named("session"))
	if err := session.Start(ctx, mode); err != nil {
		return fmt.Errorf("failed to start analyzer session: %w", err)
	}
	defer session.Stop()
	// unblocks a pending SessionMessage before Stop waits on the reader
	defer close(handler.done)

	select {
	case <-handler.opened:
	case err := <-handler.closed:
		return fmt.Errorf("analyzer session failed: %w", err)
	case <-ctx.Done():
		return ctx.Err()
	}

	bar := progressbar.NewOptions(-1,
		progressbar.OptionSetDescription("Analyzing "+path),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
		progressbar.OptionSpinnerType(14),
	)
	if probeQuiet {
		bar = progressbar.DefaultSilent(-1)
	}

	smp := sampler.New(log.Named("sampler"))
	agg := scoring.NewAggregator(nil)
	res := &probeResult{}

	sampleTicker := time.NewTicker(sampler.Interval)
	defer sampleTicker.Stop()
	historyTicker := time.NewTicker(console.HistoryInterval)
	defer historyTicker.Stop()

	started := time.Now()
	var endErr error
loop:
	for {
		select {
		case <-ctx.Done():
			if !errors.Is(ctx.Err(), context.DeadlineExceeded) {
				endErr = ctx.Err()
			}
			break loop
		case err := <-handler.closed:
			endErr = fmt.Errorf("analyzer closed the session: %w", err)
			break loop
		case msg := <-handler.messages:
			res.record(msg, agg)
			if !probeQuiet && msg.HasDetections {
				bar.Clear()
				printBatch(time.Since(started), msg, agg.Scores())
			}
		case <-sampleTicker.C:
			if !src.Active() {
				break loop
			}
			if smp.Tick(session, src) == sampler.Sent {
				bar.Add(1)
			}
		case <-historyTicker.C:
			agg.Sample()
		}
	}
	bar.Finish()
	fmt.Fprintln(os.Stderr)

	stats := session.Stats()
	printSummary(path, mode, time.Since(started), res, agg, stats)
	return endErr
}

func (r *probeResult) record(msg detection.Message, agg *scoring.Aggregator) {
	if msg.Error != "" {
		r.errors++
		log.Warn("Analyzer reported an error", "error", msg.Error)
	}
	if msg.Metrics != nil {
		r.analyzerMetrics = msg.Metrics
	}
	if !msg.HasDetections {
		return
	}

	r.batches++
	r.faces += len(msg.Detections)
	for _, d := range msg.Detections {
		if d.Status == detection.StatusFake {
			r.fakes++
		}
	}

	agg.Apply(msg.Detections)
	r.last = agg.Scores()
	if c := r.last.Combined(); c > r.peak {
		r.peak = c
	}
}

func printBatch(elapsed time.Duration, msg detection.Message, s scoring.Scores) {
	risk := scoring.GlobalRisk(msg.Detections)
	fmt.Printf("%8s  faces=%d  primary=%.2f  secondary=%.2f  combined=%.2f  risk=%.2f  %s\n",
		elapsed.Truncate(time.Millisecond),
		len(msg.Detections),
		s.Primary,
		s.Secondary,
		s.Combined(),
		risk.Max,
		scoring.Classify(s.Combined()),
	)
}

func printSummary(path string, mode detection.Mode, elapsed time.Duration, r *probeResult, agg *scoring.Aggregator, stats analyzer.Stats) {
	fmt.Printf("\nFile:        %s\n", path)
	fmt.Printf("Pipeline:    %s\n", mode.Pipeline())
	fmt.Printf("Duration:    %s\n", elapsed.Truncate(time.Millisecond))
	fmt.Printf("Frames:      %d sent, %d dropped\n", stats.Sent, stats.Dropped)
	fmt.Printf("Batches:     %d (%d faces, %d flagged fake)\n", r.batches, r.faces, r.fakes)
	if r.errors > 0 || stats.Malformed > 0 {
		fmt.Printf("Problems:    %d analyzer errors, %d malformed messages\n", r.errors, stats.Malformed)
	}
	if r.analyzerMetrics != nil {
		fmt.Printf("Analyzer:    %.1f fps, %s per frame\n", r.analyzerMetrics.FPS, r.analyzerMetrics.ProcessingTime)
	}
	fmt.Printf("Peak score:  %.3f\n", r.peak)
	fmt.Printf("Last score:  %.3f\n", r.last.Combined())
	fmt.Printf("Trend:       %d samples\n", len(agg.History()))

	if r.batches == 0 {
		fmt.Println("Verdict:     no faces detected")
		return
	}
	fmt.Printf("Verdict:     %s\n", scoring.Classify(r.peak))
}
