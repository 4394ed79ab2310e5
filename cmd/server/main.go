package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"go.uber.org/zap"

	"github.com/eugenenazirov/gaekit/internal/application"
	"github.com/eugenenazirov/gaekit/internal/config"
	"github.com/eugenenazirov/gaekit/internal/logging"
	"github.com/eugenenazirov/gaekit/internal/tasks"
)

const (
	commandServe   = "serve"
	commandMigrate = "migrate"
	commandEnqueue = "enqueue"
)

var signalNotify = signal.Notify

// cliArgs is the parsed command line.
type cliArgs struct {
	command   string
	overrides *config.CLIOverrides
	taskPath  string
	taskData  string
	taskDelay time.Duration
}

func parseArgs(args []string) (cliArgs, error) {
	kingpinApp := kingpin.New("gaekit", "App Engine service toolkit - migrations, mutexes, task queues and guarded admin endpoints")
	configFile := kingpinApp.Flag("config", "Path to a single YAML configuration file").String()
	configDir := kingpinApp.Flag("config-dir", "Directory holding default.yaml and <env>.yaml").String()
	environment := kingpinApp.Flag("env", "Environment name (local, production, ...)").String()
	project := kingpinApp.Flag("project", "Google Cloud project id").String()
	port := kingpinApp.Flag("port", "HTTP port exposed by the service").String()
	logLevel := kingpinApp.Flag("log-level", "Log level (debug, info, warn, error)").String()
	rateLimitRPSFlag := kingpinApp.Flag("rate-limit-rps", "Requests per second allowed (set 0 to disable)").Default("-1").Float64()
	rateLimitBurstFlag := kingpinApp.Flag("rate-limit-burst", "Burst capacity for rate limiter (set 0 to disable)").Default("-1").Int()

	kingpinApp.Command(commandServe, "Run the HTTP server").Default()
	kingpinApp.Command(commandMigrate, "Run pending migrations and exit")
	enqueue := kingpinApp.Command(commandEnqueue, "Enqueue one task and exit")
	taskPath := enqueue.Arg("path", "Task handler path below the tasks prefix").Required().String()
	taskData := enqueue.Flag("data", "JSON payload").String()
	taskDelay := enqueue.Flag("delay", "Delay before the task runs").Duration()

	command, err := kingpinApp.Parse(args)
	if err != nil {
		return cliArgs{}, err
	}

	overrides := &config.CLIOverrides{
		ConfigFile: *configFile,
		ConfigDir:  *configDir,
	}
	if *environment != "" {
		overrides.Environment = environment
	}
	if *project != "" {
		overrides.ProjectID = project
	}
	if *port != "" {
		overrides.Port = port
	}
	if *logLevel != "" {
		overrides.LogLevel = logLevel
	}
	if *rateLimitRPSFlag >= 0 {
		overrides.RateLimitRPS = rateLimitRPSFlag
	}
	if *rateLimitBurstFlag >= 0 {
		overrides.RateLimitBurst = rateLimitBurstFlag
	}

	parsed := cliArgs{command: command, overrides: overrides}
	if command == commandEnqueue {
		if *taskData != "" && !json.Valid([]byte(*taskData)) {
			return cliArgs{}, errors.New("--data must be valid JSON")
		}
		parsed.taskPath = *taskPath
		parsed.taskData = *taskData
		parsed.taskDelay = *taskDelay
	}
	return parsed, nil
}

// taskOptions converts the enqueue flags into queue options.
func (c cliArgs) taskOptions() []tasks.Option {
	var opts []tasks.Option
	if c.taskData != "" {
		opts = append(opts, tasks.WithData(json.RawMessage(c.taskData)))
	}
	if c.taskDelay > 0 {
		opts = append(opts, tasks.WithDelay(c.taskDelay))
	}
	return opts
}

func main() {
	args, err := parseArgs(os.Args[1:])
	kingpin.FatalIfError(err, "invalid arguments")

	cfg, err := config.Load(args.overrides)
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer func() {
		_ = logger.Sync()
	}()

	ctx := context.Background()
	if err := application.ResolveSecrets(ctx, &cfg, logger); err != nil {
		logger.Fatal("failed to resolve secrets", zap.Error(err))
	}

	app, err := application.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialize application", zap.Error(err))
	}

	switch args.command {
	case commandMigrate:
		err = app.Migrate(ctx)
	case commandEnqueue:
		err = app.Enqueue(ctx, args.taskPath, args.taskOptions()...)
	default:
		if err := app.Start(ctx); err != nil {
			logger.Fatal("failed to start server", zap.Error(err))
		}
		shutdown(app.Server(), cfg.Server.ShutdownGracePeriod, logger)
	}

	closeCtx, cancel := context.WithTimeout(ctx, cfg.Server.ShutdownGracePeriod)
	defer cancel()
	if closeErr := app.Close(closeCtx); closeErr != nil {
		logger.Warn("failed to release resources", zap.Error(closeErr))
	}
	if err != nil {
		logger.Fatal(args.command+" failed", zap.Error(err))
	}
}

func shutdown(server *http.Server, timeout time.Duration, logger *zap.Logger) {
	quit := make(chan os.Signal, 1)
	signalNotify(quit, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	<-quit
	logger.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Warn("graceful shutdown failed", zap.Error(err))
		if closeErr := server.Close(); closeErr != nil {
			logger.Error("forced close failed", zap.Error(closeErr))
		}
	}
}
