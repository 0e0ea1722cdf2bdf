package main

import (
	"context"
	"log"
	"net/http"
	"os"
	osexec "os/exec"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/perflab/devicepulse/internal/adapters/adb"
	"github.com/perflab/devicepulse/internal/adapters/http/statusserver"
	"github.com/perflab/devicepulse/internal/adapters/http/statusserver/middlewares"
	"github.com/perflab/devicepulse/internal/adapters/traceproc"
	"github.com/perflab/devicepulse/internal/config"
	"github.com/perflab/devicepulse/internal/misc"
	"github.com/perflab/devicepulse/internal/sampler"
	"github.com/perflab/devicepulse/pkg/util"
)

var (
	buildVersion string
	buildDate    string
	buildCommit  string
)

func main() {
	util.PrintBuildInfo(buildVersion, buildDate, buildCommit)

	cfg, err := config.Load(os.Args[1:], nil)
	if err != nil {
		log.Fatalf("failed to parse flags: %v", err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}
	defer logger.Sync()

	adbPath := cfg.ADBPath
	if adbPath == "" {
		adbPath, err = osexec.LookPath("adb")
		if err != nil {
			log.Fatal("adb not found in PATH; pass -adb or set DP_ADB")
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serial := cfg.Serial
	if serial == "" {
		err = misc.Retry(ctx, misc.DefaultBackoff, func(error) bool { return true }, func() error {
			s, perr := adb.PickDefaultSerial(ctx, adbPath)
			if perr != nil {
				return perr
			}
			serial = s
			return nil
		})
		if err != nil {
			log.Fatalf("no usable device: %v", err)
		}
	}

	tpPath := cfg.TraceProcessor
	if tpPath == "" {
		tpPath = traceproc.Resolve()
	}
	tq := traceproc.New(tpPath)
	if !tq.Available() {
		logger.Warn("trace_processor_shell not found; offline frame timeline captures will be skipped")
	}

	svc := sampler.New(cfg, adb.NewExecutor(adbPath, serial), tq, serial, logger)

	if cfg.StatusAddr != "" {
		h := statusserver.NewHandler(svc)
		svc.Events().Attach(h.SampleObserver())
		svc.Events().SetErrorHandler(func(err error) {
			logger.Warn("sample observer failed", zap.Error(err))
		})
		r := statusserver.NewRouter(h, middlewares.ZapLogger(logger))
		go func() {
			if err := http.ListenAndServe(cfg.StatusAddr, r); err != nil {
				logger.Error("status server exited", zap.Error(err))
			}
		}()
	}

	log.Printf("cfg: serial=%s package=%s adb=%s trace_processor=%q status=%q",
		serial, cfg.BridgePackage, adbPath, tpPath, cfg.StatusAddr)

	if err := svc.Run(ctx); err != nil {
		log.Fatal(err)
	}
}
