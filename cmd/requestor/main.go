package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/animus-labs/requestor-go/internal/announce"
	"github.com/animus-labs/requestor-go/internal/domain"
	"github.com/animus-labs/requestor-go/internal/hiring"
	"github.com/animus-labs/requestor-go/internal/journal"
	"github.com/animus-labs/requestor-go/internal/marketplace"
	"github.com/animus-labs/requestor-go/internal/marketplace/simulated"
	"github.com/animus-labs/requestor-go/internal/marketplace/yagna"
	"github.com/animus-labs/requestor-go/internal/platform/console"
	"github.com/animus-labs/requestor-go/internal/platform/env"
	platformstore "github.com/animus-labs/requestor-go/internal/platform/objectstore"
	"github.com/animus-labs/requestor-go/internal/platform/postgres"
	"github.com/animus-labs/requestor-go/internal/storage/objectstore"
	"github.com/animus-labs/requestor-go/internal/supervisor"
	"github.com/animus-labs/requestor-go/internal/tui"
	"github.com/animus-labs/requestor-go/internal/workload"
)

var version = "dev"

const (
	exitOK          = 0
	exitFailure     = 1
	exitConfig      = 2
	exitInterrupted = 130
)

type options struct {
	subnetTag      string
	paymentDriver  string
	paymentNetwork string
	logFile        string
	workloadPath   string
	providersPath  string
	maxPrice       float64
	instances      int
	pollInterval   time.Duration
	budget         float64
	verifyImage    bool
	tui            bool
	shell          string
}

func parseFlags(args []string, now time.Time) (options, error) {
	fs := flag.NewFlagSet("requestor", flag.ContinueOnError)

	pollInterval, err := env.Duration("REQUESTOR_POLL_INTERVAL", supervisor.DefaultPollInterval)
	if err != nil {
		return options{}, err
	}
	budget, err := env.Float("REQUESTOR_BUDGET", 1.0)
	if err != nil {
		return options{}, err
	}

	var opts options
	fs.StringVar(&opts.subnetTag, "subnet-tag", env.String("REQUESTOR_SUBNET_TAG", "public"), "Marketplace subnet tag")
	fs.StringVar(&opts.paymentDriver, "payment-driver", env.String("REQUESTOR_PAYMENT_DRIVER", "erc20"), "Payment driver name")
	fs.StringVar(&opts.paymentDriver, "driver", env.String("REQUESTOR_PAYMENT_DRIVER", "erc20"), "Alias for --payment-driver")
	fs.StringVar(&opts.paymentNetwork, "payment-network", env.String("REQUESTOR_PAYMENT_NETWORK", "holesky"), "Payment network name")
	fs.StringVar(&opts.paymentNetwork, "network", env.String("REQUESTOR_PAYMENT_NETWORK", "holesky"), "Alias for --payment-network")
	fs.StringVar(&opts.logFile, "log-file", env.String("REQUESTOR_LOG_FILE", defaultLogFile(now)), "Log file path (- for stderr)")
	fs.StringVar(&opts.workloadPath, "workload", env.String("REQUESTOR_WORKLOAD", ""), "Workload YAML override")
	fs.StringVar(&opts.providersPath, "providers", env.String("REQUESTOR_PROVIDERS", ""), "Simulated market catalog YAML")
	fs.Float64Var(&opts.maxPrice, "max-price", 0, "Reject offers priced above this value (0 disables)")
	fs.IntVar(&opts.instances, "instances", 1, "Number of instances to request")
	fs.DurationVar(&opts.pollInterval, "poll-interval", pollInterval, "Status poll interval")
	fs.Float64Var(&opts.budget, "budget", budget, "Total budget for the run (0 disables the limit)")
	fs.BoolVar(&opts.verifyImage, "verify-image", false, "Download the image and check its pinned digest before requesting")
	fs.BoolVar(&opts.tui, "tui", false, "Show a live instance view")
	fs.StringVar(&opts.shell, "shell", env.String("REQUESTOR_SHELL", string(announce.ShellAuto)), "Request example flavour: auto, posix or powershell")

	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if opts.instances < 1 {
		return options{}, fmt.Errorf("--instances must be >= 1, got %d", opts.instances)
	}
	if opts.pollInterval <= 0 {
		return options{}, errors.New("--poll-interval must be positive")
	}
	if opts.budget < 0 || opts.maxPrice < 0 {
		return options{}, errors.New("--budget and --max-price must be >= 0")
	}
	return opts, nil
}

func defaultLogFile(now time.Time) string {
	return filepath.Join(os.TempDir(), "requestor_"+now.UTC().Format("2006-01-02_15.04.05")+".log")
}

func openLog(path string) (io.Writer, func(), error) {
	if strings.TrimSpace(path) == "-" {
		return os.Stderr, func() {}, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	return f, func() { _ = f.Close() }, nil
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	out := console.New(os.Stdout)

	opts, err := parseFlags(args, time.Now())
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		out.Failure(err.Error())
		return exitConfig
	}
	shell, err := announce.ParseShell(opts.shell)
	if err != nil {
		out.Failure(err.Error())
		return exitConfig
	}
	shutdownTimeout, err := env.Duration("REQUESTOR_SHUTDOWN_TIMEOUT", supervisor.DefaultShutdownTimeout)
	if err != nil {
		out.Failure(err.Error())
		return exitConfig
	}

	logOut, closeLog, err := openLog(opts.logFile)
	if err != nil {
		out.Failure(err.Error())
		return exitConfig
	}
	defer closeLog()
	logger := slog.New(slog.NewJSONHandler(logOut, nil))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	out.Banner(version, opts.subnetTag, opts.paymentDriver, opts.paymentNetwork)
	if opts.logFile != "-" {
		out.Hint("Logging to " + opts.logFile)
	}

	spec, err := buildWorkload(ctx, opts, logger)
	if err != nil {
		return reportFatal(out, logger, err)
	}

	client, err := buildClient(opts, logger)
	if err != nil {
		return reportFatal(out, logger, err)
	}

	jr, closeJournal, err := buildJournal(ctx, logger)
	if err != nil {
		return reportFatal(out, logger, err)
	}
	defer closeJournal()

	var strategy hiring.Strategy = hiring.NewProviderOnce(nil)
	if opts.maxPrice > 0 {
		strategy = hiring.PriceCeiling{Max: opts.maxPrice, Inner: strategy}
	}

	var (
		usageOut io.Writer = os.Stdout
		reporter supervisor.Reporter
		view     *tui.View
	)
	if opts.tui {
		view = tui.Start(ctx, os.Stdout, tui.NewModel(
			"requestor "+version,
			fmt.Sprintf("subnet %s · %s/%s", opts.subnetTag, opts.paymentDriver, opts.paymentNetwork),
		))
		usageOut = view
		reporter = view
	} else {
		reporter = supervisor.ReporterFunc(func(instances []domain.Instance) {
			out.Println(console.StatusLine(supervisor.StatusEntries(instances)))
		})
	}

	sup, err := supervisor.New(client, strategy, spec,
		supervisor.WithLogger(logger),
		supervisor.WithJournal(jr),
		supervisor.WithReporter(reporter),
		supervisor.WithAnnouncer(announce.New(client, usageOut,
			announce.WithShell(shell),
			announce.WithLogger(logger),
		)),
	)
	if err != nil {
		return reportFatal(out, logger, err)
	}

	go forceExitOnSecondInterrupt(ctx, out)

	runErr := sup.Run(ctx, supervisor.Config{
		SubnetTag:       opts.subnetTag,
		PaymentDriver:   opts.paymentDriver,
		PaymentNetwork:  opts.paymentNetwork,
		Budget:          opts.budget,
		TargetCount:     opts.instances,
		PollInterval:    opts.pollInterval,
		ShutdownTimeout: shutdownTimeout,
	})
	if view != nil {
		if err := view.Stop(); err != nil {
			logger.Warn("tui stopped with error", "error", err)
		}
	}
	if runErr != nil {
		return reportFatal(out, logger, runErr)
	}
	if ctx.Err() != nil {
		out.ShutdownCompleted()
	}
	return exitOK
}

// forceExitOnSecondInterrupt announces the graceful shutdown once the first
// signal arrives and exits immediately on the next Ctrl+C.
func forceExitOnSecondInterrupt(ctx context.Context, out *console.Printer) {
	announceShutdown(ctx, out)

	force := make(chan os.Signal, 1)
	signal.Notify(force, syscall.SIGINT)
	<-force
	os.Exit(exitInterrupted)
}

// announceShutdown waits for the first signal and prints the notice through
// the printer that also carries the status lines.
func announceShutdown(ctx context.Context, out *console.Printer) {
	<-ctx.Done()
	out.ShuttingDown()
}

func buildWorkload(ctx context.Context, opts options, logger *slog.Logger) (workload.Spec, error) {
	wopts := workload.Options{Path: opts.workloadPath, Verify: opts.verifyImage}
	if opts.verifyImage {
		opener := workload.SchemeOpener{HTTP: &http.Client{Timeout: 30 * time.Minute}}
		if strings.TrimSpace(os.Getenv("REQUESTOR_S3_ENDPOINT")) != "" {
			storeCfg, err := platformstore.ConfigFromEnv()
			if err != nil {
				return workload.Spec{}, &domain.ConfigurationError{Reason: "invalid object store config", Err: err}
			}
			store, err := objectstore.NewMinioStore(storeCfg)
			if err != nil {
				return workload.Spec{}, &domain.ConfigurationError{Reason: "object store client init failed", Err: err}
			}
			opener.Objects = store
		}
		wopts.Opener = opener
	}

	spec, err := workload.Build(ctx, wopts)
	if err != nil {
		return workload.Spec{}, err
	}
	imageCID := ""
	if id, err := spec.Image.CID(); err == nil {
		imageCID = id.String()
	}
	logger.Info("workload resolved",
		"runtime", spec.Runtime,
		"capabilities", spec.Capabilities,
		"image_source", spec.Image.Source,
		"image_hash", spec.Image.HashName(),
		"image_cid", imageCID,
		"verified", opts.verifyImage,
	)
	return spec, nil
}

type connectedMarket struct {
	marketplace.Provisioner
	marketplace.Connector
}

func buildClient(opts options, logger *slog.Logger) (marketplace.Client, error) {
	kind := env.String("REQUESTOR_MARKET", "simulated")
	if kind != "simulated" {
		return nil, &domain.ConfigurationError{Reason: fmt.Sprintf("unsupported REQUESTOR_MARKET %q", kind)}
	}

	catalog := simulated.DefaultCatalog()
	if opts.providersPath != "" {
		loaded, err := simulated.LoadCatalog(opts.providersPath)
		if err != nil {
			return nil, &domain.ConfigurationError{Reason: "load provider catalog", Err: err}
		}
		catalog = loaded
	}

	marketOpts := []simulated.Option{simulated.WithLogger(logger)}
	var daemon *yagna.Client
	if env.String("YAGNA_APPKEY", "") != "" {
		cfg, err := yagna.ConfigFromEnv()
		if err != nil {
			return nil, &domain.ConfigurationError{Reason: "invalid daemon config", Err: err}
		}
		daemon, err = yagna.New(cfg)
		if err != nil {
			return nil, &domain.ConfigurationError{Reason: "daemon client init failed", Err: err}
		}
		marketOpts = append(marketOpts, simulated.WithAccountChecker(daemon))
		logger.Info("using requestor daemon", "api_url", cfg.APIURL)
	}

	market, err := simulated.New(catalog, marketOpts...)
	if err != nil {
		return nil, &domain.ConfigurationError{Reason: "invalid provider catalog", Err: err}
	}
	if daemon != nil {
		return connectedMarket{Provisioner: market, Connector: daemon}, nil
	}
	return market, nil
}

func buildJournal(ctx context.Context, logger *slog.Logger) (journal.Journal, func(), error) {
	journals := journal.Multi{journal.Log{Logger: logger}}

	dbCfg, err := postgres.ConfigFromEnv()
	if err != nil {
		return nil, nil, &domain.ConfigurationError{Reason: "invalid journal database config", Err: err}
	}
	if !dbCfg.Enabled() {
		return journals, func() {}, nil
	}
	db, err := postgres.Open(ctx, dbCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("journal database unavailable: %w", err)
	}
	sqlJournal, err := journal.NewSQL(db)
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	if err := sqlJournal.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	journals = append(journals, sqlJournal)
	return journals, func() { _ = db.Close() }, nil
}

func reportFatal(out *console.Printer, logger *slog.Logger, err error) int {
	var payErr *domain.PaymentAccountError
	if errors.As(err, &payErr) {
		logger.Error("payment account missing", "driver", payErr.Driver, "network", payErr.Network)
		out.PaymentAccountMissing(payErr.Driver, payErr.Network)
		return exitFailure
	}
	var cfgErr *domain.ConfigurationError
	if errors.As(err, &cfgErr) {
		logger.Error("invalid configuration", "error", err)
		out.Failure(err.Error())
		return exitConfig
	}
	logger.Error("run failed", "error", err)
	out.Failure(err.Error())
	return exitFailure
}
