// Drip is a companion daemon and CLI for an irrigation platform.
//
// It keeps a live device-state mirror fed by the platform's MQTT
// broker, serves a local web dashboard with real-time moisture
// readings, and offers one-shot subcommands for scripting the same
// operations. Configuration is loaded from a single YAML file
// discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	drip serve                   Start the dashboard daemon
//	drip init [dir]              Initialize a working directory with defaults
//	drip devices                 List devices on the account
//	drip watch <device-id>       Stream live telemetry for a device
//	drip claim <name> <key>      Register a new device
//	drip water <device-id>       Send a water-now command
//	drip preset <device-id> ...  Store a watering preset
//	drip login <email>           Authenticate and store the session
//	drip logout                  Invalidate and clear the session
//	drip version                 Print version and build information
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fernbed/drip/internal/api"
	"github.com/fernbed/drip/internal/broker"
	"github.com/fernbed/drip/internal/buildinfo"
	"github.com/fernbed/drip/internal/config"
	"github.com/fernbed/drip/internal/connwatch"
	"github.com/fernbed/drip/internal/devstate"
	"github.com/fernbed/drip/internal/events"
	"github.com/fernbed/drip/internal/session"
	"github.com/fernbed/drip/internal/view"
	"github.com/fernbed/drip/internal/web"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run]. This keeps
// os.Exit, os.Stdout, and os.Args out of the application logic so that
// the full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the drip command. All OS-level
// dependencies are injected as parameters:
//
//   - ctx controls the lifetime of the process. Cancelling it triggers
//     graceful shutdown of all servers and background goroutines.
//   - stdout and stderr receive all program output. Structured logs go
//     to stdout; fatal error messages go to stderr.
//   - args is os.Args[1:], the command-line arguments after the
//     program name. We parse these manually rather than using the flag
//     package to avoid global state that interferes with parallel
//     tests.
//
// run returns nil on clean shutdown and a non-nil error for any
// failure. The caller (main) is responsible for printing the error and
// exiting.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++ // skip the value
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, stderr, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "devices":
		return runDevices(ctx, stdout, configPath, outputFmt)
	case "watch":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: drip watch <device-id>")
		}
		return runWatch(ctx, stdout, configPath, cmdArgs[0])
	case "claim":
		if len(cmdArgs) < 2 {
			return fmt.Errorf("usage: drip claim <name> <device-key>")
		}
		return runClaim(ctx, stdout, configPath, cmdArgs[0], cmdArgs[1])
	case "water":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: drip water <device-id>")
		}
		return runWater(ctx, stdout, configPath, cmdArgs[0])
	case "preset":
		if len(cmdArgs) < 3 {
			return fmt.Errorf("usage: drip preset <device-id> continuous <seconds> | step <seconds> <steps> <delay>")
		}
		return runPreset(ctx, stdout, configPath, cmdArgs)
	case "login":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: drip login <email> [password]")
		}
		return runLogin(ctx, stdout, stderr, configPath, cmdArgs)
	case "logout":
		return runLogout(ctx, stdout, configPath)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w. It is called when
// drip is invoked with no arguments, or with -h / --help.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Drip - irrigation platform companion")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: drip [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve                    Start the dashboard daemon")
	fmt.Fprintln(w, "  init [dir]               Initialize working directory with defaults (default: .)")
	fmt.Fprintln(w, "  devices                  List devices on the account")
	fmt.Fprintln(w, "  watch <device-id>        Stream live telemetry for a device")
	fmt.Fprintln(w, "  claim <name> <key>       Register a new device")
	fmt.Fprintln(w, "  water <device-id>        Send a water-now command")
	fmt.Fprintln(w, "  preset <device-id> ...   Store a watering preset")
	fmt.Fprintln(w, "  login <email> [password] Authenticate and store the session")
	fmt.Fprintln(w, "  logout                   Invalidate and clear the session")
	fmt.Fprintln(w, "  version                  Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/drip/config.yaml, /etc/drip/config.yaml")
	return nil
}

// cliEnv is the shared one-shot subcommand environment: config,
// session-backed API client, and the open database.
type cliEnv struct {
	cfg      *config.Config
	db       *sql.DB
	sessions *session.Store
	client   *api.Client
	logger   *slog.Logger
}

func (e *cliEnv) Close() {
	e.db.Close()
}

// newCLIEnv loads config and opens the session database for a one-shot
// subcommand. Callers must Close it.
func newCLIEnv(stdout io.Writer, configPath string) (*cliEnv, error) {
	logger := newLogger(stdout, slog.LevelWarn, "text")

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	db, err := sql.Open("sqlite3", cfg.DataDir+"/drip.db")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	sessions, err := session.NewStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &cliEnv{
		cfg:      cfg,
		db:       db,
		sessions: sessions,
		client:   api.NewClient(cfg.API.BaseURL, sessions, logger),
		logger:   logger,
	}, nil
}

// runDevices lists the account's devices.
func runDevices(ctx context.Context, stdout io.Writer, configPath, outputFmt string) error {
	env, err := newCLIEnv(stdout, configPath)
	if err != nil {
		return err
	}
	defer env.Close()

	res := env.client.Devices(ctx)
	if res.IsError {
		return resultError("list devices", res.Code, res.Message)
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res.Data)
	}

	if len(res.Data) == 0 {
		fmt.Fprintln(stdout, "no devices")
		return nil
	}
	for _, d := range res.Data {
		state := "offline"
		if d.Connected {
			state = "online"
		}
		fmt.Fprintf(stdout, "%6d  %-8s %s\n", d.ID, state, d.Name)
	}
	return nil
}

// runWatch connects to the broker and streams a device's telemetry to
// stdout until interrupted.
func runWatch(ctx context.Context, stdout io.Writer, configPath, idArg string) error {
	deviceID, err := strconv.ParseInt(idArg, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid device id: %q", idArg)
	}

	env, err := newCLIEnv(stdout, configPath)
	if err != nil {
		return err
	}
	defer env.Close()

	instanceID, err := session.LoadOrCreateInstanceID(env.cfg.DataDir)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	conn := broker.NewConn(env.cfg.Broker, "drip-cli-"+instanceID, nil, env.logger)
	defer conn.Disconnect(context.Background())

	// Subscriptions do not survive a reconnect, so every connected
	// transition re-issues the subscribe.
	conn.OnStatusChange(func(st broker.Status) {
		fmt.Fprintf(stdout, "# broker %s\n", st)
		if st != broker.StatusConnected {
			return
		}
		subCtx, subCancel := context.WithTimeout(ctx, 10*time.Second)
		defer subCancel()
		conn.Subscribe(subCtx, broker.DeviceTopic(deviceID), func(_ string, payload []byte) {
			fmt.Fprintf(stdout, "%s %s\n", time.Now().Format(time.RFC3339), payload)
		})
	})

	if err := conn.Connect(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	return nil
}

// runClaim registers a new device.
func runClaim(ctx context.Context, stdout io.Writer, configPath, name, key string) error {
	env, err := newCLIEnv(stdout, configPath)
	if err != nil {
		return err
	}
	defer env.Close()

	res := env.client.ClaimDevice(ctx, name, key)
	if res.IsError {
		return resultError("claim device", res.Code, res.Message)
	}
	fmt.Fprintf(stdout, "claimed device %d (%s)\n", res.Data.ID, res.Data.Name)
	return nil
}

// runWater connects to the broker just long enough to publish a
// water-now command.
func runWater(ctx context.Context, stdout io.Writer, configPath, idArg string) error {
	deviceID, err := strconv.ParseInt(idArg, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid device id: %q", idArg)
	}

	env, err := newCLIEnv(stdout, configPath)
	if err != nil {
		return err
	}
	defer env.Close()

	instanceID, err := session.LoadOrCreateInstanceID(env.cfg.DataDir)
	if err != nil {
		return err
	}

	conn := broker.NewConn(env.cfg.Broker, "drip-cli-"+instanceID, nil, env.logger)
	defer conn.Disconnect(context.Background())

	connected := make(chan struct{})
	conn.OnStatusChange(func(st broker.Status) {
		if st == broker.StatusConnected {
			select {
			case connected <- struct{}{}:
			default:
			}
		}
	})

	if err := conn.Connect(ctx); err != nil {
		return err
	}

	select {
	case <-connected:
	case <-time.After(15 * time.Second):
		return fmt.Errorf("broker connection timed out")
	case <-ctx.Done():
		return ctx.Err()
	}

	conn.WaterNow(ctx, deviceID)
	fmt.Fprintf(stdout, "water-now sent to device %d\n", deviceID)
	return nil
}

// runPreset stores a watering preset. Argument forms:
//
//	preset <id> continuous <seconds>
//	preset <id> step <seconds> <steps> <delay>
func runPreset(ctx context.Context, stdout io.Writer, configPath string, args []string) error {
	deviceID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid device id: %q", args[0])
	}

	wateringTime, err := strconv.Atoi(args[2])
	if err != nil || wateringTime <= 0 {
		return fmt.Errorf("invalid watering time: %q", args[2])
	}

	var preset api.Preset
	switch args[1] {
	case "continuous":
		preset = api.ContinuousPreset(wateringTime)
	case "step":
		if len(args) < 5 {
			return fmt.Errorf("usage: drip preset <device-id> step <seconds> <steps> <delay>")
		}
		steps, err := strconv.Atoi(args[3])
		if err != nil || steps <= 0 {
			return fmt.Errorf("invalid steps: %q", args[3])
		}
		delay, err := strconv.Atoi(args[4])
		if err != nil || delay < 0 {
			return fmt.Errorf("invalid delay: %q", args[4])
		}
		preset = api.StepPreset(wateringTime, steps, delay)
	default:
		return fmt.Errorf("unknown preset pattern: %q (expected continuous or step)", args[1])
	}

	env, err := newCLIEnv(stdout, configPath)
	if err != nil {
		return err
	}
	defer env.Close()

	res := env.client.SetPreset(ctx, deviceID, preset)
	if res.IsError {
		return resultError("set preset", res.Code, res.Message)
	}
	fmt.Fprintf(stdout, "preset stored for device %d\n", deviceID)
	return nil
}

// runLogin authenticates and persists the session. The password can be
// passed as a second argument or via the DRIP_PASSWORD environment
// variable, which keeps it out of shell history.
func runLogin(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string, args []string) error {
	email := args[0]
	password := os.Getenv("DRIP_PASSWORD")
	if len(args) > 1 {
		password = args[1]
	}
	if password == "" {
		return fmt.Errorf("no password given (pass as argument or set DRIP_PASSWORD)")
	}

	env, err := newCLIEnv(stdout, configPath)
	if err != nil {
		return err
	}
	defer env.Close()

	res := env.client.Login(ctx, api.Credentials{Email: email, Password: password})
	if res.IsError {
		return resultError("login", res.Code, res.Message)
	}

	if err := env.sessions.Save(res.Data.Token, res.Data.Name); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "logged in as %s\n", res.Data.Name)
	return nil
}

// runLogout invalidates the token server-side and clears the local
// session regardless of whether the platform call succeeded.
func runLogout(ctx context.Context, stdout io.Writer, configPath string) error {
	env, err := newCLIEnv(stdout, configPath)
	if err != nil {
		return err
	}
	defer env.Close()

	if res := env.client.Logout(ctx); res.IsError {
		fmt.Fprintf(stdout, "platform logout failed (%d), clearing local session anyway\n", res.Code)
	}
	if err := env.sessions.Clear(); err != nil {
		return err
	}
	fmt.Fprintln(stdout, "logged out")
	return nil
}

// runServe handles the "drip serve" subcommand. It is the primary
// operating mode: loads config, opens the database, connects to the
// broker, starts the view binder and the dashboard server, and blocks
// until a shutdown signal arrives.
//
// The shutdown sequence is:
//  1. SIGINT or SIGTERM cancels the context
//  2. The HTTP server drains in-flight requests
//  3. The broker connection and database are closed via defers
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting Drip", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Reconfigure logger now that we know the desired level and format.
	// The initial Info-level text logger covers only the startup banner.
	{
		level := slog.LevelInfo
		if cfg.LogLevel != "" {
			level, err = config.ParseLogLevel(cfg.LogLevel)
			if err != nil {
				return err
			}
		}
		logger = newLogger(stdout, level, cfg.LogFormat)
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"api", cfg.API.BaseURL,
		"broker", cfg.Broker.URL,
		"port", cfg.Listen.Port,
	)

	// --- Data directory ---
	// Session database and the broker instance ID live here. Device
	// state is never persisted; the mirror is rebuilt from the platform
	// on every start.
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	dbPath := cfg.DataDir + "/drip.db"
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return fmt.Errorf("open database %s: %w", dbPath, err)
	}
	defer db.Close()

	sessions, err := session.NewStore(db)
	if err != nil {
		return err
	}
	logger.Info("session database opened", "path", dbPath)

	instanceID, err := session.LoadOrCreateInstanceID(cfg.DataDir)
	if err != nil {
		return err
	}

	// --- Event bus ---
	// Carries store updates and status transitions to the dashboard's
	// websocket clients.
	bus := events.New()

	// --- Platform API client ---
	client := api.NewClient(cfg.API.BaseURL, sessions, logger)
	client.SetOnUnauthorized(func() {
		// The platform rejected our token; a stale session would loop
		// on 401s forever, so drop it and force a fresh login.
		logger.Warn("session token rejected, clearing stored session")
		if err := sessions.Clear(); err != nil {
			logger.Error("clear session", "error", err)
		}
	})

	// --- Device state mirror ---
	store := devstate.NewStore(bus, logger)

	// --- Broker connection ---
	conn := broker.NewConn(cfg.Broker, "drip-"+instanceID, bus, logger)
	if err := conn.Connect(ctx); err != nil {
		return fmt.Errorf("broker: %w", err)
	}
	defer conn.Disconnect(context.Background())

	// --- View binder ---
	binder := view.NewBinder(client, conn, store, bus, logger)
	binder.Start()
	defer binder.Stop()

	// --- Platform API health ---
	// Background monitoring with exponential backoff, so a platform
	// outage is visible on the bus without any dashboard traffic.
	connMgr := connwatch.NewManager(logger)
	defer connMgr.Stop()
	connMgr.Watch(ctx, connwatch.WatcherConfig{
		Name:    "platform-api",
		Probe:   func(pCtx context.Context) error { return client.Ping(pCtx) },
		Backoff: connwatch.DefaultBackoffConfig(),
		OnReady: func() {
			bus.Publish(events.Event{
				Timestamp: time.Now(),
				Source:    events.SourceHealth,
				Kind:      events.KindAPIReady,
			})
		},
		OnDown: func(err error) {
			bus.Publish(events.Event{
				Timestamp: time.Now(),
				Source:    events.SourceHealth,
				Kind:      events.KindAPIDown,
				Data:      map[string]any{"error": err.Error()},
			})
		},
		Logger: logger,
	})

	// --- Dashboard server ---
	ws := web.NewWebServer(web.Config{
		Platform: client,
		Sessions: sessions,
		Binder:   binder,
		Broker:   conn,
		Store:    store,
		Bus:      bus,
		Logger:   logger,
	})
	mux := http.NewServeMux()
	ws.RegisterRoutes(mux)

	addr := fmt.Sprintf("%s:%d", cfg.Listen.Address, cfg.Listen.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // websocket connections are long-lived
	}

	// --- Signal handling and graceful shutdown ---
	// NotifyContext wraps the parent context so that SIGINT/SIGTERM
	// cancellation flows through the same ctx used by all components.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Ends watch sessions for detail pages nobody is viewing anymore,
	// so broker subscriptions do not pile up across the daemon's life.
	go ws.RunWatchReaper(ctx)

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info("dashboard listening", "addr", addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}

	logger.Info("Drip stopped")
	return nil
}

// newLogger creates a structured logger that writes to w at the given
// level and format. Format must be "text" or "json"; any other value
// defaults to text.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// loadConfig locates and parses the YAML configuration file. If
// explicit is non-empty, that exact path is used (and must exist).
// Otherwise, [config.FindConfig] searches the default locations.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}

// resultError converts a REST failure envelope into a CLI error.
func resultError(op string, code int, message string) error {
	if message == "" {
		return fmt.Errorf("%s failed (status %d)", op, code)
	}
	return fmt.Errorf("%s failed: %s (status %d)", op, message, code)
}
