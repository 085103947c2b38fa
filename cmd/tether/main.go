package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/ghalamif/Tether/internal/adapters/deadletter"
	"github.com/ghalamif/Tether/pkg/tether"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	cmd := os.Args[1]
	var err error

	switch cmd {
	case "run":
		err = runCommand(os.Args[2:])
	case "validate":
		err = validateCommand(os.Args[2:])
	case "stats":
		err = statsCommand(os.Args[2:])
	case "deadletter":
		err = deadLetterCommand(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		printUsage()
		err = fmt.Errorf("unknown command %q", cmd)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "tether %s: %v\n", cmd, err)
		os.Exit(1)
	}
}

func runCommand(args []string) error {
	fs := pflag.NewFlagSet("run", pflag.ExitOnError)
	cfgPath := fs.StringP("config", "c", "./data/config.yaml", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	flow, err := tether.Conf(*cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return flow.Run(ctx)
}

func validateCommand(args []string) error {
	fs := pflag.NewFlagSet("validate", pflag.ExitOnError)
	cfgPath := fs.StringP("config", "c", "./data/config.yaml", "Path to configuration file to validate")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := tether.LoadConfig(*cfgPath)
	if err != nil {
		return err
	}
	fmt.Printf("config %s is valid: source=%s sink=%s rules=%d\n",
		*cfgPath, cfg.Source.Kind, cfg.Sink.Kind, len(cfg.Transform.Rules))
	return nil
}

var statsMetrics = []string{
	"tether_records_received_total",
	"tether_records_delivered_total",
	"tether_records_filtered_total",
	"tether_records_dropped_total",
	"tether_epoch",
	"tether_queue_length",
	"tether_pipeline_state",
}

func statsCommand(args []string) error {
	fs := pflag.NewFlagSet("stats", pflag.ExitOnError)
	url := fs.String("url", "http://localhost:9100/metrics", "Prometheus metrics endpoint")
	interval := fs.Duration("interval", 2*time.Second, "Refresh interval")
	once := fs.Bool("once", false, "Print one snapshot and exit")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *once {
		return printMetricsSnapshot(*url)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	fmt.Printf("Streaming metrics from %s (Ctrl+C to stop)\n", *url)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := printMetricsSnapshot(*url); err != nil {
				fmt.Fprintf(os.Stderr, "stats error: %v\n", err)
			}
		}
	}
}

func printMetricsSnapshot(url string) error {
	resp, err := http.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	values, err := scrape(bufio.NewScanner(resp.Body))
	if err != nil {
		return err
	}
	fmt.Printf("[%s] %s\n", time.Now().Format(time.RFC3339), formatSnapshot(values))
	return nil
}

// scrape collects the samples of statsMetrics keyed by the series as printed,
// labels included. Zero-valued state gauges are skipped.
func scrape(sc *bufio.Scanner) (map[string]float64, error) {
	out := map[string]float64{}
	for sc.Scan() {
		line := sc.Text()
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		idx := strings.LastIndexByte(line, ' ')
		if idx < 0 {
			continue
		}
		series := line[:idx]
		if !wanted(series) {
			continue
		}
		var v float64
		if _, err := fmt.Sscanf(line[idx+1:], "%g", &v); err != nil {
			continue
		}
		if strings.HasPrefix(series, "tether_pipeline_state") && v == 0 {
			continue
		}
		out[series] = v
	}
	return out, sc.Err()
}

func wanted(series string) bool {
	name := series
	if i := strings.IndexByte(series, '{'); i >= 0 {
		name = series[:i]
	}
	for _, m := range statsMetrics {
		if name == m {
			return true
		}
	}
	return false
}

func formatSnapshot(values map[string]float64) string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%g", strings.TrimPrefix(k, "tether_"), values[k]))
	}
	return strings.Join(parts, " ")
}

func deadLetterCommand(args []string) error {
	fs := pflag.NewFlagSet("deadletter", pflag.ExitOnError)
	dir := fs.StringP("dir", "d", "./data/deadletter", "Dead-letter journal directory")
	from := fs.Uint64("from", 0, "First entry id to print")
	raw := fs.Bool("raw", false, "Print the record payload")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var n int
	err := deadletter.ReadDir(*dir, *from, func(e deadletter.Entry) error {
		n++
		fmt.Printf("#%d run=%s epoch=%d seq=%d dropped=%s cause=%q\n",
			e.ID, e.RunID, e.Epoch, e.Seq, e.DroppedAt.Format(time.RFC3339), e.Cause)
		if *raw {
			fmt.Printf("    %s\n", e.Record)
		}
		return nil
	})
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("no journal in %s", *dir)
	}
	if err != nil {
		return err
	}
	fmt.Printf("%d entries\n", n)
	return nil
}

func printUsage() {
	fmt.Printf(`Tether CLI

Usage:
  tether <command> [flags]

Commands:
  run          Supervise the configured source and stream records to the sink
  validate     Load and validate a config file without starting the pipeline
  stats        Poll the Prometheus metrics endpoint and print live counters
  deadletter   List records dropped after fatal sink errors

Examples:
  tether run --config ./data/config.yaml
  tether validate -c ./data/config.yaml
  tether stats --url http://localhost:9100/metrics --interval 1s
  tether deadletter --dir ./data/deadletter --raw
`)
}
