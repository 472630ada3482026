package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/cardscan/cardscan/internal/capture"
	"github.com/cardscan/cardscan/internal/config"
	"github.com/cardscan/cardscan/internal/protocol"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

func newScanCmd(root *rootOptions) *cobra.Command {
	var (
		serverURL string
		framesDir string
		repeat    int
		label     string
		noSession bool
		once      bool
	)

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Run a capture session against a server",
		Long: `Runs a capture session that replays frames from a directory as if they
came from a camera. Frames are probed until a card holds still, then one
still is committed for identification.`,
		Example: `  # Replay frames, holding each one for 6 probes
  cardscan scan --frames ./frames --repeat 6

  # Stop after the first identified card
  cardscan scan --server http://scanner:8888 --frames ./frames --once`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(root.configPath)
			if err != nil {
				return err
			}
			return runScan(cmd.Context(), cfg, scanOptions{
				serverURL: serverURL,
				framesDir: framesDir,
				repeat:    repeat,
				label:     label,
				noSession: noSession,
				once:      once,
			})
		},
	}

	cmd.Flags().StringVar(&serverURL, "server", "http://localhost:8888", "Identification server URL")
	cmd.Flags().StringVar(&framesDir, "frames", "", "Directory of frames to replay (required)")
	cmd.Flags().IntVar(&repeat, "repeat", capture.StableSamples+2, "Probes per frame file")
	cmd.Flags().StringVar(&label, "label", "", "Label for the scan session")
	cmd.Flags().BoolVar(&noSession, "no-session", false, "Commit without registering a session")
	cmd.Flags().BoolVar(&once, "once", false, "Stop after the first identified card")

	_ = cmd.MarkFlagRequired("frames")

	return cmd
}

type scanOptions struct {
	serverURL string
	framesDir string
	repeat    int
	label     string
	noSession bool
	once      bool
}

func runScan(ctx context.Context, cfg *config.Config, opts scanOptions) error {
	client := protocol.NewClient(opts.serverURL)

	var sessionID *int64
	if !opts.noSession {
		id, err := client.StartSession(ctx, opts.label)
		if err != nil {
			return fmt.Errorf("failed to start session: %w", err)
		}
		sessionID = &id
		defer func() {
			// the run context is usually cancelled by now
			summary, err := client.CloseSession(context.WithoutCancel(ctx), id)
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to close session %d: %v\n", id, err)
				return
			}
			fmt.Printf("Session %d closed: %d records, %d duplicates, total %.2f %s\n",
				id, summary.Records, summary.Duplicates, summary.TotalValue, summary.Currency)
		}()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	printer := newStatusPrinter(os.Stdout)
	var observer capture.Observer = printer
	if opts.once {
		observer = &stopOnResult{Observer: printer, stop: cancel}
	}

	cam := capture.NewLockedCamera(
		&capture.DirCamera{Dir: opts.framesDir, Repeat: opts.repeat},
		cfg.Capture.CameraLockDir,
		opts.framesDir,
	)
	session := capture.NewSession(client, cam, capture.Options{
		SessionID: sessionID,
		Capture:   cfg.Capture,
		Observer:  observer,
	})

	err := session.Run(ctx)
	printer.finish()
	if errors.Is(err, capture.ErrCameraBusy) {
		return fmt.Errorf("frames directory is in use by another scan: %w", err)
	}
	return err
}

type stopOnResult struct {
	capture.Observer
	stop context.CancelFunc
}

func (s *stopOnResult) Result(result protocol.CommitResponse) {
	s.Observer.Result(result)
	s.stop()
}

// statusPrinter keeps a single live status line on a terminal and prints
// plain lines otherwise
type statusPrinter struct {
	mu    sync.Mutex
	out   io.Writer
	tty   bool
	state capture.State
	note  string
	dirty bool
}

func newStatusPrinter(f *os.File) *statusPrinter {
	return &statusPrinter{
		out: f,
		tty: isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()),
	}
}

func (p *statusPrinter) StateChanged(from, to capture.State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = to
	p.note = ""
	p.status()
}

func (p *statusPrinter) Guidance(message string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.note == message {
		return
	}
	p.note = message
	p.status()
}

func (p *statusPrinter) Result(result protocol.CommitResponse) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c := result.Candidate
	line := fmt.Sprintf("#%d %s (%s %s) %.2f %s", result.ScanID, c.Name, c.Set, c.Number,
		result.Pricing.PriceFinal, result.Pricing.Currency)
	if result.DuplicateOf != nil {
		line += fmt.Sprintf("  duplicate of #%d", *result.DuplicateOf)
	}
	if len(result.Candidates) > 1 {
		alts := make([]string, 0, len(result.Candidates)-1)
		for _, alt := range result.Candidates[1:] {
			alts = append(alts, alt.ID)
		}
		line += "  alternatives: " + strings.Join(alts, ", ")
	}
	p.println(line)
}

func (p *statusPrinter) NotRecognized() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.println("not recognized, try again or enter the card manually")
}

func (p *statusPrinter) Error(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.println("error: " + err.Error())
}

func (p *statusPrinter) status() {
	line := p.state.String()
	if p.note != "" {
		line += ": " + p.note
	}
	if p.tty {
		fmt.Fprintf(p.out, "\r\033[K%s", line)
		p.dirty = true
		return
	}
	fmt.Fprintln(p.out, line)
}

func (p *statusPrinter) println(line string) {
	if p.dirty {
		fmt.Fprint(p.out, "\r\033[K")
		p.dirty = false
	}
	fmt.Fprintln(p.out, line)
	if p.tty {
		p.status()
	}
}

func (p *statusPrinter) finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dirty {
		fmt.Fprintln(p.out)
		p.dirty = false
	}
}
