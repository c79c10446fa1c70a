package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/joho/godotenv"
	"github.com/olekukonko/tablewriter"
	flag "github.com/spf13/pflag"

	"github.com/stratahq/strata/pkg/exec"
	"github.com/stratahq/strata/pkg/logger"
	"github.com/stratahq/strata/pkg/pipeline"
	"github.com/stratahq/strata/pkg/semantic"
)

const (
	defaultModel   = string(anthropic.ModelClaudeSonnet4_5_20250929)
	defaultMaxRows = 1000
	defaultTimeout = 20 * time.Second
	previewRows    = 10
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	contractFlag := flag.String("contract", "contract.yaml", "path to the semantic contract document")
	backendFlag := flag.String("backend", "direct", "execution backend: direct or remote")
	dsnFlag := flag.String("dsn", "", "warehouse connection string for the direct backend (or set STRATA_WAREHOUSE_DSN env var)")
	execAddrFlag := flag.String("exec-addr", "127.0.0.1:7432", "execution service address for the remote backend")
	maxRowsFlag := flag.Int("max-rows", defaultMaxRows, "row cap per query")
	timeoutFlag := flag.Duration("timeout", defaultTimeout, "time limit per query")
	modelFlag := flag.String("model", defaultModel, "model for intent, query and chart generation")
	maxTokensFlag := flag.Int64("max-tokens", 4096, "max completion tokens per generation call")
	maxAttemptsFlag := flag.Int("max-attempts", pipeline.DefaultMaxAttempts, "max generate-validate attempts per stage")
	chartToleranceFlag := flag.Float64("chart-tolerance", pipeline.DefaultChartTolerance, "relative tolerance for chart point comparison")
	envFileFlag := flag.String("env-file", "", "optional .env file with credentials")
	flag.Parse()

	questions := flag.Args()
	if len(questions) == 0 {
		return fmt.Errorf("usage: strata [flags] \"question\" [\"question\" ...]")
	}

	if *envFileFlag != "" {
		if err := godotenv.Load(*envFileFlag); err != nil {
			return fmt.Errorf("failed to load env file: %w", err)
		}
	} else {
		// Best effort: a local .env is common in development.
		_ = godotenv.Load()
	}
	if envDSN := os.Getenv("STRATA_WAREHOUSE_DSN"); envDSN != "" && *dsnFlag == "" {
		*dsnFlag = envDSN
	}

	log := logger.New(*verboseFlag)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sig := <-sigCh
		log.Info("strata: received signal", "signal", sig.String())
		cancel()
	}()

	contract, err := semantic.Load(*contractFlag)
	if err != nil {
		return fmt.Errorf("failed to load semantic contract: %w", err)
	}
	log.Info("strata: contract loaded",
		"version", contract.Version,
		"metrics", len(contract.Metrics),
		"dimensions", len(contract.Dimensions),
	)

	backend, err := buildBackend(ctx, log, *backendFlag, *dsnFlag, *execAddrFlag)
	if err != nil {
		return err
	}
	defer backend.Close()

	llm := pipeline.NewAnthropicClient(log, anthropic.Model(*modelFlag), *maxTokensFlag)

	p, err := pipeline.New(pipeline.Config{
		Logger:         log,
		LLM:            llm,
		Contract:       contract,
		Backend:        backend,
		Limits:         exec.Limits{MaxRows: *maxRowsFlag, Timeout: *timeoutFlag},
		MaxAttempts:    *maxAttemptsFlag,
		ChartTolerance: *chartToleranceFlag,
	})
	if err != nil {
		return fmt.Errorf("failed to create pipeline: %w", err)
	}

	session, err := pipeline.NewSession(log, p, questions)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	passes := session.Run(ctx)
	for i := range passes {
		printPass(&passes[i])
	}

	failed := 0
	for _, pass := range passes {
		if pass.Failed() {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d questions failed", failed, len(passes))
	}
	return nil
}

func buildBackend(ctx context.Context, log *slog.Logger, kind, dsn, execAddr string) (exec.Backend, error) {
	switch kind {
	case "direct":
		if dsn == "" {
			return nil, fmt.Errorf("the direct backend needs --dsn or STRATA_WAREHOUSE_DSN")
		}
		dialCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		return exec.NewDirect(dialCtx, exec.DirectConfig{
			Logger: log,
			DSN:    dsn,
		})
	case "remote":
		return exec.NewRemote(exec.RemoteConfig{
			Logger: log,
			Addr:   execAddr,
		})
	default:
		return nil, fmt.Errorf("unknown backend %q (want direct or remote)", kind)
	}
}

func printPass(pass *pipeline.Pass) {
	fmt.Printf("\n[%d] %s\n", pass.Question.Position+1, pass.Question.Text)

	if pass.Failed() {
		fmt.Printf("    FAILED (%s): %s\n", pass.FailureKind, pass.FailureReason)
		return
	}

	if pass.Result != nil {
		printResult(pass.Result)
	}
	if pass.Chart != nil {
		fmt.Printf("    chart: %s", pass.Chart.Type)
		if len(pass.Chart.Series) > 0 {
			keys := make([]string, 0, len(pass.Chart.Series))
			for key := range pass.Chart.Series {
				if key != pipeline.SingleSeriesKey {
					keys = append(keys, key)
				}
			}
			if len(keys) > 0 {
				fmt.Printf(" (series: %s)", strings.Join(keys, ", "))
			}
		}
		fmt.Println()
		if pass.Chart.Narrative != "" {
			fmt.Printf("    %s\n", pass.Chart.Narrative)
		}
	}
}

func printResult(rs *exec.ResultSet) {
	header := make([]string, 0, len(rs.Columns))
	for _, col := range rs.Columns {
		header = append(header, col.Name)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(false)
	table.SetHeader(header)

	shown := 0
	for _, row := range rs.Rows {
		if shown >= previewRows {
			break
		}
		cells := make([]string, len(row))
		for i, v := range row {
			cells[i] = fmt.Sprintf("%v", v)
		}
		table.Append(cells)
		shown++
	}
	table.Render()

	if rs.RowCount > shown || rs.Truncated {
		suffix := ""
		if rs.Truncated {
			suffix = ", truncated at the row cap"
		}
		fmt.Printf("    (%d rows total%s)\n", rs.RowCount, suffix)
	}
}
