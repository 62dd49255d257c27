package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/tinytelemetry/gridfinder/internal/cycle"
	"github.com/tinytelemetry/gridfinder/internal/duckdb"
	"github.com/tinytelemetry/gridfinder/internal/grid"
	"github.com/tinytelemetry/gridfinder/internal/httpserver"
	"github.com/tinytelemetry/gridfinder/internal/journal"
	"github.com/tinytelemetry/gridfinder/internal/model"
	"github.com/tinytelemetry/gridfinder/internal/socketrpc"
	"github.com/tinytelemetry/gridfinder/internal/transport"
	"github.com/tinytelemetry/gridfinder/internal/zorder"
)

// runServer starts the request cycle with its grid, history store and
// control surfaces, and blocks until a signal arrives.
func runServer(cfg appConfig) error {
	cleanupLogger := configureRuntimeLogger()
	defer cleanupLogger()

	// Initialize DuckDB store
	store, err := duckdb.NewStore(cfg.DBPath, cfg.QueryTimeout)
	if err != nil {
		return fmt.Errorf("failed to initialize DuckDB: %w", err)
	}
	defer store.Close()
	store.SetMaxConcurrentQueries(cfg.MaxConcurrentReads)

	// Open the detection journal and replay whatever never reached the store.
	bufferConf := duckdb.InsertBufferConfig{
		BatchSize:      cfg.InsertBatchSize,
		FlushInterval:  cfg.InsertFlushInterval,
		FlushQueueSize: cfg.InsertFlushQueue,
	}
	if cfg.JournalEnabled {
		detectionJournal, err := journal.Open(cfg.JournalPath)
		if err != nil {
			return fmt.Errorf("failed to open detection journal: %w", err)
		}
		if err := replayUncommittedJournal(detectionJournal, store, cfg.InsertBatchSize); err != nil {
			_ = detectionJournal.Close()
			return fmt.Errorf("failed to replay detection journal: %w", err)
		}
		bufferConf.Journal = detectionJournal
	}

	// Create insert buffer for batched DuckDB writes
	insertBuffer := duckdb.NewInsertBuffer(store, bufferConf)
	defer insertBuffer.Stop()

	retentionCleaner := duckdb.NewRetentionCleaner(store, duckdb.RetentionConfig{
		RetentionDays: cfg.DetectionRetention,
	})
	if retentionCleaner != nil {
		defer retentionCleaner.Stop()
	}

	var renderer grid.Renderer
	if cfg.RenderText {
		renderer = grid.NewTextRenderer(os.Stdout)
	}
	board, err := grid.NewSquare(cfg.GridLevels, renderer)
	if err != nil {
		return fmt.Errorf("failed to create grid: %w", err)
	}

	channel, err := transport.NewWSChannel(cfg.ServiceURL, transport.WSOptions{})
	if err != nil {
		return err
	}
	defer channel.Close()

	controller, err := cycle.New(cycle.Config{
		RequestName:    cfg.RequestName,
		Lifetime:       cfg.RequestLifetime,
		Locator:        zorder.NewLocator(cfg.LocationOffset),
		Board:          board,
		Channel:        channel,
		Sink:           insertBuffer,
		ActivityBuffer: cfg.ActivityBuffer,
	})
	if err != nil {
		return fmt.Errorf("failed to create request cycle: %w", err)
	}

	// Set up context and signal handling before errgroup
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		fmt.Println("\nShutting down gracefully... (press Ctrl+C again to force)")
		cancel()

		// Shutdown deadline starts now, not at boot.
		deadline := time.NewTimer(10 * time.Second)
		defer deadline.Stop()

		select {
		case <-sigCh:
			fmt.Println("\nForce shutdown.")
		case <-deadline.C:
			fmt.Println("Shutdown timed out, forcing exit.")
		}
		cleanupSocket(cfg.SocketPath)
		os.Exit(1)
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return controller.Run(gctx)
	})

	if err := primeCycle(controller, cfg); err != nil {
		cancel()
		_ = g.Wait()
		return err
	}

	// Start HTTP API server if enabled
	if cfg.APIEnabled {
		gin.SetMode(gin.ReleaseMode)
		apiServer := httpserver.NewServer(cfg.APIAddr, httpserver.Deps{
			Store:           store,
			Grid:            board,
			Cycle:           controller,
			DefaultInterval: cfg.Interval,
		})
		if err := apiServer.Start(); err != nil {
			return fmt.Errorf("failed to start API server: %w", err)
		}
		defer apiServer.Stop()
	}

	// Start socket RPC server for TUI IPC
	sockServer := socketrpc.NewServer(cfg.SocketPath, socketrpc.Deps{
		Store:           store,
		Grid:            board,
		Cycle:           controller,
		DefaultInterval: cfg.Interval,
	})
	if err := sockServer.Start(); err != nil {
		log.Printf("Warning: failed to start socket server: %v", err)
	} else {
		defer sockServer.Stop()
	}

	printStartupBanner(cfg)

	if err := g.Wait(); err != nil {
		log.Printf("server: errgroup exited with error: %v", err)
	}

	// If we reach here, graceful shutdown succeeded within the deadline.
	// The signal goroutine (if active) dies with the process.
	signal.Stop(sigCh)

	return nil
}

// primeCycle registers the configured target and starts polling when
// autostart is set.
func primeCycle(c model.CycleControl, cfg appConfig) error {
	if cfg.Target != "" {
		if err := c.SetTarget(cfg.Target); err != nil {
			return fmt.Errorf("failed to register target: %w", err)
		}
	}
	if cfg.Autostart {
		if err := c.Start(cfg.Target, cfg.Interval); err != nil {
			return fmt.Errorf("failed to start request cycle: %w", err)
		}
	}
	return nil
}

func cleanupSocket(path string) {
	if path != "" {
		os.Remove(path)
	}
}

func configureRuntimeLogger() func() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	home, err := os.UserHomeDir()
	if err != nil {
		log.SetOutput(os.Stderr)
		return func() {}
	}

	logDir := filepath.Join(home, ".local", "state", "gridfinder")
	if err := os.MkdirAll(logDir, 0755); err != nil {
		log.SetOutput(os.Stderr)
		return func() {}
	}

	logPath := filepath.Join(logDir, "gridfinder.log")
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		log.SetOutput(os.Stderr)
		return func() {}
	}

	log.SetOutput(f)
	return func() {
		_ = f.Close()
	}
}

func replayUncommittedJournal(j *journal.Journal, store model.DetectionWriter, batchSize int) error {
	if j == nil {
		return nil
	}
	if batchSize <= 0 {
		batchSize = defaultInsertBatchSize
	}

	batch := make([]*model.DetectionRecord, 0, batchSize)
	batchMaxSeq := uint64(0)
	replayed := 0

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := store.InsertDetectionBatch(batch); err != nil {
			return err
		}
		if batchMaxSeq > 0 {
			if err := j.Commit(batchMaxSeq); err != nil {
				return err
			}
		}
		replayed += len(batch)
		batch = make([]*model.DetectionRecord, 0, batchSize)
		batchMaxSeq = 0
		return nil
	}

	if err := j.Replay(func(seq uint64, record *model.DetectionRecord) error {
		copied := *record
		batch = append(batch, &copied)
		if seq > batchMaxSeq {
			batchMaxSeq = seq
		}
		if len(batch) >= batchSize {
			return flush()
		}
		return nil
	}); err != nil {
		return err
	}

	if err := flush(); err != nil {
		return err
	}
	if replayed > 0 {
		log.Printf("detection journal: replayed %d uncommitted records", replayed)
	}
	return nil
}

func printStartupBanner(cfg appConfig) {
	dim := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	green := lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	cyan := lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	yellow := lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	bold := lipgloss.NewStyle().Bold(true)

	check := green.Render("●")
	dot := dim.Render("●")

	logo := cyan.Bold(true).Render(`
    ╔═╗╦═╗╦╔╦╗╔═╗╦╔╗╔╔╦╗╔═╗╦═╗
    ║ ╦╠╦╝║ ║║╠╣ ║║║║ ║║║╣ ╠╦╝
    ╚═╝╩╚═╩═╩╝╚  ╩╝╚╝═╩╝╚═╝╩╚═`)

	side := zorder.Side(cfg.GridLevels)
	separator := dim.Render("    ─────────────────────────────────")

	lines := []string{"", logo, "    " + dim.Render("v"+version), "", separator, ""}

	lines = append(lines, bold.Render("    Detection"), "")
	lines = append(lines, fmt.Sprintf("    %s  Service        %s", check, cyan.Render(cfg.ServiceURL)))
	lines = append(lines, fmt.Sprintf("    %s  Grid           %s", check, dim.Render(fmt.Sprintf("%dx%d, offset %d", side, side, cfg.LocationOffset))))
	switch {
	case cfg.Autostart:
		lines = append(lines, fmt.Sprintf("    %s  Cycle          %s", check, dim.Render(fmt.Sprintf("%s every %s", cfg.Target, cfg.Interval))))
	case cfg.Target != "":
		lines = append(lines, fmt.Sprintf("    %s  Cycle          %s", dot, dim.Render("stopped, target "+cfg.Target)))
	default:
		lines = append(lines, fmt.Sprintf("    %s  Cycle          %s", dot, dim.Render("stopped, no target")))
	}
	lines = append(lines, "")

	lines = append(lines, bold.Render("    Gateway"), "")
	if cfg.APIEnabled {
		lines = append(lines, fmt.Sprintf("    %s  HTTP API       %s", check, cyan.Render(cfg.APIAddr)))
	} else {
		lines = append(lines, fmt.Sprintf("    %s  HTTP API       %s", dot, dim.Render("disabled")))
	}
	lines = append(lines, fmt.Sprintf("    %s  Unix Socket    %s", check, cyan.Render(shortenPath(cfg.SocketPath))))
	lines = append(lines, "")

	lines = append(lines, bold.Render("    Storage"), "")
	lines = append(lines, fmt.Sprintf("    %s  History        %s", check, dim.Render(shortenPath(cfg.DBPath))))
	if cfg.JournalEnabled {
		lines = append(lines, fmt.Sprintf("    %s  Journal        %s", check, dim.Render(shortenPath(cfg.JournalPath))))
	} else {
		lines = append(lines, fmt.Sprintf("    %s  Journal        %s", dot, dim.Render("disabled")))
	}
	lines = append(lines, "")

	lines = append(lines, bold.Render("    Config"), "")
	if cfg.ConfigPath != "" {
		lines = append(lines, fmt.Sprintf("    %s  Config File    %s", check, dim.Render(shortenPath(cfg.ConfigPath))))
	} else {
		lines = append(lines, fmt.Sprintf("    %s  Config File    %s", dot, dim.Render("default (no file)")))
	}

	lines = append(lines, "", separator, "")
	lines = append(lines, "    "+dim.Render("Press ")+yellow.Render("Ctrl+C")+dim.Render(" to stop"), "")

	fmt.Println(strings.Join(lines, "\n"))
}

func shortenPath(path string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if strings.HasPrefix(path, home) {
		return "~" + path[len(home):]
	}
	return path
}
