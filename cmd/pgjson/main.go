package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	metric "github.com/VictoriaMetrics/metrics"
	gojson "github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/aradilov/pgjson"
	"github.com/aradilov/pgjson/internal/logger"
)

var version = "0.1.0"

const shutdownTimeout = 30 * time.Second

// event is one line of NDJSON input.
type event struct {
	Tag    string         `json:"tag"`
	Time   *float64       `json:"time"`
	Record map[string]any `json:"record"`
}

func main() {
	var (
		configPath string
		logCfg     = logger.DefaultConfig()
	)

	root := &cobra.Command{
		Use:          "pgjson",
		Short:        "Stream tagged JSON records into PostgreSQL with COPY",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "pgjson.yaml", "path to the YAML config file")
	root.PersistentFlags().StringVar(&logCfg.Level, "log-level", logCfg.Level, "log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&logCfg.Encoding, "log-format", logCfg.Encoding, "log encoding (json or console)")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("pgjson v%s\n", version)
			fmt.Printf("Go version: %s\n", runtime.Version())
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Validate the config and print the COPY command",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := pgjson.LoadConfig(configPath)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "mode: %s\n%s\n", cfg.Mode(), cfg.CopyCommand())
			return nil
		},
	})

	var (
		inputPath   string
		metricsAddr string
	)
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Read NDJSON events and write them to the configured table",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := pgjson.LoadConfig(configPath)
			if err != nil {
				return err
			}
			log, err := logger.New(logCfg)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			in := io.Reader(os.Stdin)
			if inputPath != "" && inputPath != "-" {
				f, err := os.Open(inputPath)
				if err != nil {
					return fmt.Errorf("failed to open input: %w", err)
				}
				defer f.Close()
				in = f
			}

			return run(cmd.Context(), cfg, in, metricsAddr, log)
		},
	}
	runCmd.Flags().StringVarP(&inputPath, "input", "i", "-", "NDJSON input file, - for stdin")
	runCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "address to serve /metrics on")
	root.AddCommand(runCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg pgjson.Config, in io.Reader, metricsAddr string, log *zap.Logger) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sink, err := pgjson.NewSink(cfg, pgjson.NewConnManager(cfg, nil, log), log)
	if err != nil {
		return err
	}
	out := pgjson.NewOutput(cfg.Output, sink, cfg.MetricPrefix, log)

	if metricsAddr != "" {
		srv := serveMetrics(metricsAddr, log)
		defer srv.Close()
	}

	log.Info("pgjson started",
		zap.String("table", cfg.Table),
		zap.String("mode", cfg.Mode().String()))

	readErr := readEvents(ctx, in, out, log)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	writeErr, failed := out.Stop(shutdownCtx)

	log.Info("pgjson stopped",
		zap.Uint64("rows_failed", out.GetPushFailure()),
		zap.Int("batches_failed", failed))

	if readErr != nil {
		return readErr
	}
	if failed > 0 {
		return fmt.Errorf("%d batches failed, last error: %w", failed, writeErr)
	}
	return writeErr
}

// readEvents emits every input line until EOF or ctx is cancelled.
func readEvents(ctx context.Context, in io.Reader, out *pgjson.Output, log *zap.Logger) error {
	lines := make(chan []byte)
	scanErr := make(chan error, 1)

	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
		for sc.Scan() {
			line := append([]byte(nil), sc.Bytes()...)
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		scanErr <- sc.Err()
	}()

	lineNo := 0
	for {
		select {
		case <-ctx.Done():
			log.Info("interrupted, flushing buffered rows")
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					return err
				default:
					return nil
				}
			}
			lineNo++
			if len(line) == 0 {
				continue
			}

			var ev event
			if err := gojson.Unmarshal(line, &ev); err != nil {
				log.Warn("skipping malformed event", zap.Int("line", lineNo), zap.Error(err))
				continue
			}
			t := float64(time.Now().UnixNano()) / 1e9
			if ev.Time != nil {
				t = *ev.Time
			}
			if err := out.Emit(ev.Tag, t, ev.Record); err != nil {
				if errors.Is(err, pgjson.ErrOverflow) {
					log.Warn("buffer overflow", zap.Int("line", lineNo))
					continue
				}
				log.Warn("cannot emit event", zap.Int("line", lineNo), zap.Error(err))
			}
		}
	}
}

func serveMetrics(addr string, log *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		metric.WritePrometheus(w, true)
	})
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server failed", zap.Error(err))
		}
	}()
	return srv
}
