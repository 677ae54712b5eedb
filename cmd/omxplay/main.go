package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/fatih/color"
	flag "github.com/spf13/pflag"

	"github.com/lanikai/alohaomx"
	"github.com/lanikai/alohaomx/internal/logging"
)

// Populated via -ldflags="-X ...".
var GitRevisionId string

var log = logging.DefaultLogger.WithTag("omxplay")

var (
	flagInput      string
	flagComponent  string
	flagRemote     string
	flagQuirks     string
	flagComponents string
	flagSeek       time.Duration
	flagFrames     int
	flagInputBufs  int
	flagOutputBufs int
	flagTimeout    time.Duration
	flagHelp       bool
	flagVersion    bool
)

func init() {
	flag.StringVarP(&flagInput, "input", "i", "", "Source to decode")
	flag.StringVarP(&flagComponent, "component", "c", "", "Component name")
	flag.StringVarP(&flagRemote, "remote", "r", "", "omxd websocket URL")
	flag.StringVarP(&flagQuirks, "quirks", "q", "", "Additional quirk rules (YAML)")
	flag.StringVarP(&flagComponents, "components", "", "", "Soft component specs (YAML)")
	flag.DurationVarP(&flagSeek, "seek", "s", -1, "Seek before the first read")
	flag.IntVarP(&flagFrames, "frames", "n", 0, "Stop after this many frames")
	flag.IntVarP(&flagInputBufs, "input-buffers", "", 0, "Input buffer count")
	flag.IntVarP(&flagOutputBufs, "output-buffers", "", 0, "Output buffer count")
	flag.DurationVarP(&flagTimeout, "timeout", "t", 0, "Component command timeout")

	flag.BoolVarP(&flagHelp, "help", "h", false, "Print usage information and exit")
	flag.BoolVarP(&flagVersion, "version", "v", false, "Print version information and exit")
}

func main() {
	flag.Parse()

	if flagHelp {
		help()
		os.Exit(0)
	}
	if flagVersion {
		fmt.Println("omxplay", GitRevisionId)
		os.Exit(0)
	}
	if flagInput == "" && flag.NArg() > 0 {
		flagInput = flag.Arg(0)
	}
	if flagInput == "" {
		help()
		os.Exit(2)
	}

	cfg := alohaomx.Config{
		Source:         flagInput,
		Component:      flagComponent,
		Remote:         flagRemote,
		QuirkFile:      flagQuirks,
		InputBuffers:   flagInputBufs,
		OutputBuffers:  flagOutputBufs,
		CommandTimeout: flagTimeout,
	}
	if flagComponents != "" {
		specs, err := alohaomx.LoadSoftComponents(flagComponents)
		if err != nil {
			log.Fatalf("%v", err)
		}
		cfg.SoftComponents = specs
	}

	if err := play(cfg); err != nil {
		color.New(color.FgRed).Fprintf(os.Stderr, "omxplay: %v\n", err)
		os.Exit(1)
	}
}

func play(cfg alohaomx.Config) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	p, err := alohaomx.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer p.Close()

	// Interrupt stops the decoder, which unblocks the pending read.
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	defer signal.Stop(interrupt)
	go func() {
		if _, ok := <-interrupt; ok {
			log.Info("Interrupted")
			p.Decoder().Stop()
		}
	}()

	if err := p.Start(); err != nil {
		return err
	}
	format, err := p.Format()
	if err != nil {
		return err
	}
	log.Info("Output format: %s %dx%d %dHz/%dch", format.MIME, format.Width, format.Height, format.SampleRate, format.Channels)

	start := time.Now()
	seek := flagSeek
	for flagFrames == 0 || p.Stats().Frames < flagFrames {
		buf, err := p.Read(seek)
		seek = -1
		if err == io.EOF {
			break
		}
		if err != nil {
			report(p.Stats(), time.Since(start))
			return err
		}
		log.Debug("Frame at %v: %d bytes, sync=%v", buf.Time, buf.Len(), buf.SyncFrame)
		buf.Release()
	}

	report(p.Stats(), time.Since(start))
	return nil
}

func report(stats alohaomx.Stats, elapsed time.Duration) {
	g := color.New(color.FgGreen)
	b := color.New(color.FgCyan)

	g.Printf("%d frames", stats.Frames)
	fmt.Printf(" (%d sync) ", stats.SyncFrames)
	b.Printf("%d bytes", stats.Bytes)
	fmt.Printf(" in %v, last at %v", elapsed.Round(time.Millisecond), stats.LastTime)
	if stats.Seeks > 0 {
		fmt.Printf(", %d seek(s)", stats.Seeks)
	}
	if secs := elapsed.Seconds(); secs > 0 {
		fmt.Printf(", %.1f fps", float64(stats.Frames)/secs)
	}
	fmt.Println()
}
