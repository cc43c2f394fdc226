package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/cjeanneret/RigSync/internal/acquire"
	"github.com/cjeanneret/RigSync/internal/config"
	"github.com/cjeanneret/RigSync/internal/console"
	"github.com/cjeanneret/RigSync/internal/cyclelog"
	"github.com/cjeanneret/RigSync/internal/debug"
	"github.com/cjeanneret/RigSync/internal/session"
	"github.com/cjeanneret/RigSync/internal/web"
)

// maxRetrievalTimeoutMs bounds the -timeout_ms override.
const maxRetrievalTimeoutMs = 60_000

func main() {
	// CLI flags
	webPort := &webPortFlag{defaultPort: 8080}
	flag.Var(webPort, "web", "start web server on port; -web= for default 8080, -web 8980 for custom port")
	cfgPath := flag.String("config", filepath.Join("configs", "default.yaml"), "path to config file")
	cycles := flag.Uint64("cycles", 0, "override acquisition.max_cycles (0 = use config)")
	primary := flag.String("primary", "", "override rig.primary with this serial number")
	timeoutMs := flag.Int("timeout_ms", 0, "override acquisition.retrieval_timeout_ms (1-60000)")
	summarize := flag.String("summarize", "", "print per-device totals of a cycle journal and exit")
	flag.Parse()

	if *summarize != "" {
		if err := summarizeJournal(os.Stdout, *summarize); err != nil {
			log.Fatalf("summarize: %v", err)
		}
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	overrides := cliOverrides{MaxCycles: *cycles, Primary: *primary, RetrievalTimeoutMs: *timeoutMs}
	err := run(ctx, *cfgPath, overrides, webPort.port())
	cancel()
	if err != nil {
		log.Fatal(err)
	}
}

// run does the work of main. Every deferred cleanup has run by the time
// it returns, so main may exit non-zero afterwards.
func run(ctx context.Context, cfgPath string, overrides cliOverrides, port int) error {
	// Load configuration
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config failed: %w", err)
	}

	// Validate CLI overrides (only non-zero values are applied; zero means "use config default")
	if err := validateCLIOverrides(overrides); err != nil {
		return fmt.Errorf("invalid CLI override: %w", err)
	}
	if err := applyOverrides(cfg, overrides); err != nil {
		return fmt.Errorf("invalid CLI override: %w", err)
	}

	// Initialize debug system
	debug.Init(cfg.Defaults.DebugLevel)
	debug.Section("Initialization")
	debug.Value("Config path", cfgPath)
	debug.Value("Debug level", cfg.Defaults.DebugLevel)
	debug.Value("Adapter", cfg.Rig.Adapter)
	debug.Value("Rendezvous", cfg.Acquisition.Rendezvous)

	debug.Step(1, "Building rig")
	line, registry := buildRig(cfg)
	debug.Plan(len(cfg.Rig.Devices), cfg.Rig.Primary, cfg.Trigger.PrimarySource)

	debug.Step(2, "Opening trigger pulser")
	pulser, err := newPulser(cfg, line)
	if err != nil {
		return fmt.Errorf("init pulser failed: %w", err)
	}
	var loopPulser acquire.Pulser
	if pulser != nil {
		loopPulser = pulser
		defer func() {
			if err := pulser.Close(); err != nil {
				log.Printf("closing pulser failed: %v", err)
			}
		}()
	}

	debug.Step(3, "Opening cycle journal")
	var journals session.Journals
	if cfg.Defaults.CycleLog != "" {
		journal, err := cyclelog.Open(cfg.Defaults.CycleLog)
		if err != nil {
			return fmt.Errorf("open cycle log failed: %w", err)
		}
		defer journal.Close()
		journals = append(journals, journal)
		debug.Value("Cycle log", cfg.Defaults.CycleLog)
	}

	sessCfg := session.Config{
		Devices:        registry,
		DefaultPrimary: cfg.Rig.Primary,
		Trigger:        cfg.TriggerOptions(),
		Loop: acquire.LoopConfig{
			RetrievalTimeout:       cfg.RetrievalTimeout(),
			MaxConsecutiveFailures: cfg.FailureThreshold(),
			RendezvousTimeout:      cfg.RendezvousTimeout(),
			Pulser:                 loopPulser,
		},
	}

	if port > 0 {
		webAddr := fmt.Sprintf(":%d", port)
		broadcaster := web.NewStatusBroadcaster()
		if debug.IsEnabled(debug.LevelLive) {
			// Live level streams every cycle to the page.
			broadcaster.CycleEvery = 1
		}
		debug.SetOutput(io.MultiWriter(os.Stdout, web.BroadcastWriter(broadcaster)))

		sessCfg.NewRendezvous = webRendezvous(cfg)
		sessCfg.Journal = append(journals, broadcaster)
		sessCfg.OnChange = broadcaster.PublishStatus
		mgr := session.NewManager(sessCfg)

		srv := web.NewServer(webAddr, broadcaster, mgr, rigInfo(cfg))
		srvErr := srv.Run(ctx)
		shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
		defer stop()
		if err := mgr.Shutdown(shutdownCtx); err != nil {
			log.Printf("stopping sessions: %v", err)
		}
		if srvErr != nil {
			return fmt.Errorf("web server: %w", srvErr)
		}
		return nil
	}

	// Run one session over the whole rig until it stops
	rv, closeRV, err := cliRendezvous(cfg)
	if err != nil {
		return fmt.Errorf("rendezvous: %w", err)
	}
	defer closeRV()
	sessCfg.NewRendezvous = func(string) acquire.Rendezvous { return rv }
	if len(journals) > 0 {
		sessCfg.Journal = journals
	}
	st, err := runSession(ctx, session.NewManager(sessCfg), cfg)
	if err != nil {
		return fmt.Errorf("session failed: %w", err)
	}
	report(st)
	if st.State == session.Error {
		return fmt.Errorf("session %s failed: %s", st.ID, st.Reason)
	}
	return nil
}

// runSession starts a session on every configured device and waits for
// it to end. Cancelling ctx stops it at the next cycle boundary.
func runSession(ctx context.Context, mgr *session.Manager, cfg *config.Config) (session.Status, error) {
	id, err := mgr.Start(ctx, session.Request{
		DeviceIDs: cfg.DeviceIDs(),
		PrimaryID: cfg.Rig.Primary,
		MaxCycles: cfg.Acquisition.MaxCycles,
	})
	if err != nil {
		return session.Status{}, err
	}
	debug.Section("Acquisition")
	debug.Value("Session", id)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			debug.Info("Stop requested, ending at the next cycle boundary")
			_ = mgr.Stop(id)
		case <-done:
		}
	}()
	return mgr.Wait(context.Background(), id)
}

// report logs the final diagnostics of a session.
func report(st session.Status) {
	d := st.Diagnostics
	debug.Summary("Session Summary")
	debug.Info("Session %s: %s after %d cycles (%.2f Hz)", st.ID, st.State, d.Cycles, d.Rate)
	debug.Value("Delivered", d.Delivered)
	debug.Value("Incomplete", d.Incomplete)
	debug.Value("Timeouts", d.Timeouts)
	debug.Value("Failures", d.Failures)
	debug.Value("Trigger errors", d.TriggerErrors)
	debug.Value("Stale frames drained", d.Stale)
	debug.Value("Rendezvous timeouts", d.RendezvousTimeouts)
	debug.Value("Mean cycle", d.MeanCycle)
	for _, id := range st.DeviceIDs {
		debug.PrintStruct("Device "+id, d.Devices[id])
	}
}

// summarizeJournal prints the per-device totals of a cycle journal.
func summarizeJournal(w io.Writer, path string) error {
	entries, err := cyclelog.ReadAll(path)
	if err != nil {
		return err
	}
	return cyclelog.Summarize(entries).Write(w)
}

// cliOverrides are the flag values that replace configuration values.
type cliOverrides struct {
	MaxCycles          uint64
	Primary            string
	RetrievalTimeoutMs int
}

// validateCLIOverrides checks that non-zero CLI overrides are within valid ranges.
// Zero values are ignored (they mean "use config default").
func validateCLIOverrides(o cliOverrides) error {
	if o.RetrievalTimeoutMs < 0 || o.RetrievalTimeoutMs > maxRetrievalTimeoutMs {
		return fmt.Errorf("timeout_ms must be between 1 and %d, got %d", maxRetrievalTimeoutMs, o.RetrievalTimeoutMs)
	}
	if o.MaxCycles > web.MaxSessionCycles {
		return fmt.Errorf("cycles must be at most %d, got %d", web.MaxSessionCycles, o.MaxCycles)
	}
	return nil
}

// applyOverrides mutates cfg with overrides and validates the result.
// Only non-zero override values are applied.
func applyOverrides(cfg *config.Config, o cliOverrides) error {
	if o.MaxCycles > 0 {
		cfg.Acquisition.MaxCycles = o.MaxCycles
	}
	if o.Primary != "" {
		cfg.Rig.Primary = o.Primary
	}
	if o.RetrievalTimeoutMs > 0 {
		cfg.Acquisition.RetrievalTimeoutMs = o.RetrievalTimeoutMs
	}
	return cfg.Validate()
}

// cliRendezvous builds the trigger gate of a terminal session.
func cliRendezvous(cfg *config.Config) (acquire.Rendezvous, func(), error) {
	switch cfg.Acquisition.Rendezvous {
	case config.RendezvousOperator:
		prompt, err := console.New()
		if err != nil {
			return nil, nil, err
		}
		debug.SetOutput(prompt.Stdout())
		return prompt, func() {
			debug.SetOutput(os.Stdout)
			prompt.Close()
		}, nil
	case config.RendezvousInterval:
		return acquire.NewInterval(cfg.Interval()), func() {}, nil
	case config.RendezvousImmediate:
		return acquire.Immediate{}, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("rendezvous %q needs the web server (-web)", cfg.Acquisition.Rendezvous)
	}
}

// webRendezvous returns the per-session rendezvous factory of the web
// server. Nil gives every session a gate released by
// POST /sessions/{id}/trigger.
func webRendezvous(cfg *config.Config) func(string) acquire.Rendezvous {
	switch cfg.Acquisition.Rendezvous {
	case config.RendezvousInterval:
		period := cfg.Interval()
		return func(string) acquire.Rendezvous { return acquire.NewInterval(period) }
	case config.RendezvousImmediate:
		return func(string) acquire.Rendezvous { return acquire.Immediate{} }
	case config.RendezvousOperator:
		debug.Warn("operator rendezvous is served by POST /sessions/{id}/trigger in web mode")
	}
	return nil
}

// rigInfo is the rig description the web page starts sessions from.
func rigInfo(cfg *config.Config) web.RigInfo {
	return web.RigInfo{
		Devices:            cfg.DeviceIDs(),
		Primary:            cfg.Rig.Primary,
		PrimarySource:      cfg.Trigger.PrimarySource,
		SecondaryLine:      cfg.Trigger.SecondaryLine,
		Rendezvous:         cfg.Acquisition.Rendezvous,
		RetrievalTimeoutMs: cfg.Acquisition.RetrievalTimeoutMs,
		MaxCycles:          cfg.Acquisition.MaxCycles,
	}
}

// webPortFlag implements flag.Value for -web: 0 = disabled, -web= or -web 8080 → 8080, -web 8980 → 8980.
type webPortFlag struct {
	val         int
	defaultPort int
}

func (w *webPortFlag) String() string {
	if w.val == 0 {
		return "0"
	}
	return strconv.Itoa(w.val)
}

func (w *webPortFlag) Set(s string) error {
	if s == "" {
		w.val = w.defaultPort
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	if v <= 0 || v > 65535 {
		return fmt.Errorf("port must be 1-65535, got %d", v)
	}
	w.val = v
	return nil
}

func (w *webPortFlag) port() int { return w.val }
