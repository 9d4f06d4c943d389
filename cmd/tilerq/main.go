/*
Package main is the entry point for the tilerq command-line application.

tilerq schedules asynchronous retrievals of map tiles and documents from
remote HTTP services. Its primary functionalities include:
  - Fetching batches of tile/document URLs through a bounded worker pool with
    per-identity deduplication and priority scheduling.
  - Fast-failing requests against hosts that recently produced a run of
    transport failures, with automatic probe-based recovery.
  - Writing retrieved payloads to an output directory.

The application uses the Cobra library for command-line interface structure
and flag parsing. It leverages several internal packages:
  - `internal/sched`: The retrieval scheduler (worker pool, priority queue,
    admission table, failure classification).
  - `internal/retrieval`: One retrieval attempt as a small state machine.
  - `internal/health`: Per-host availability tracking.
  - `internal/client`: A configurable shared HTTP client.
  - `internal/config`: YAML configuration with defaults.
  - `internal/metrics`: Prometheus metrics for monitoring scheduler behavior.

Graceful shutdown is handled via OS signals (SIGINT, SIGTERM): the first
signal stops intake and drains, a second one cancels running retrievals.
*/
package main

/*
tilerq — asynchronous retrieval scheduler in Go for map tile services
Copyright (C) 2025  Pepijn van der Stap <tilerq@vanderstap.info>

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU Affero General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU Affero General Public License for more details.

You should have received a copy of the GNU Affero General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/x-stp/tilerq/internal/client"
	"github.com/x-stp/tilerq/internal/config"
	"github.com/x-stp/tilerq/internal/health"
	"github.com/x-stp/tilerq/internal/metrics"
	"github.com/x-stp/tilerq/internal/retrieval"
	"github.com/x-stp/tilerq/internal/sched"
	"github.com/x-stp/tilerq/internal/util"
)

// Global flags (persistent across commands)
var configPath string

// Flags specific to the fetch command
var (
	outputDir     string
	priority      float64
	fifo          bool
	archive       bool
	urlsFile      string
	turbo         bool
	showStats     bool
	enableMetrics bool
)

var rootCmd = &cobra.Command{
	Use:   "tilerq",
	Short: "tilerq - An asynchronous, deduplicating retrieval scheduler for map tile services",
}

var fetchCmd = &cobra.Command{
	Use:   "fetch [urls...]",
	Short: "Fetch tile/document URLs through the retrieval scheduler",
	Long: `Fetches the given URLs (arguments and/or --urls-file, one URL per line)
through the scheduler's worker pool and writes each payload to the output
directory. Duplicate URLs are retrieved once and shared; higher --priority
values are served first, --fifo disables prioritization entirely.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return fetchURLs(args)
	},
}

var hostsCmd = &cobra.Command{
	Use:   "check-hosts [urls...]",
	Short: "Probe the hosts of the given URLs and report availability",
	RunE: func(cmd *cobra.Command, args []string) error {
		return checkHosts(args)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "tilerq.yaml", "Path to YAML configuration file (defaults apply if absent)")

	fetchCmd.Flags().StringVarP(&outputDir, "output", "o", "output/tiles", "Output directory for retrieved payloads")
	fetchCmd.Flags().Float64VarP(&priority, "priority", "p", 0, "Scheduling priority for this batch (higher is sooner)")
	fetchCmd.Flags().BoolVar(&fifo, "fifo", false, "Submit in plain submission order, below all prioritized work")
	fetchCmd.Flags().BoolVar(&archive, "archive", false, "Accept partial-content responses (bulk archive endpoints)")
	fetchCmd.Flags().StringVar(&urlsFile, "urls-file", "", "Path to file with URLs (one per line)")
	fetchCmd.Flags().BoolVar(&turbo, "turbo", false, "Enable high-speed mode (aggressive connection reuse)")
	fetchCmd.Flags().BoolVarP(&showStats, "stats", "s", true, "Show progress while fetching")
	fetchCmd.Flags().BoolVar(&enableMetrics, "metrics", false, "Expose Prometheus metrics (overrides config)")

	rootCmd.AddCommand(fetchCmd)
	rootCmd.AddCommand(hostsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// collectURLs merges positional arguments with the --urls-file contents.
func collectURLs(args []string) ([]string, error) {
	urls := append([]string(nil), args...)
	if urlsFile != "" {
		f, err := os.Open(urlsFile)
		if err != nil {
			return nil, fmt.Errorf("opening urls file: %w", err)
		}
		defer f.Close()

		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			urls = append(urls, line)
		}
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("reading urls file: %w", err)
		}
	}
	if len(urls) == 0 {
		return nil, errors.New("no URLs given (arguments or --urls-file)")
	}
	return urls, nil
}

func fetchURLs(args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	urls, err := collectURLs(args)
	if err != nil {
		return err
	}

	if enableMetrics || cfg.Metrics.Enabled {
		metrics.EnableMetrics()
		if err := metrics.StartMetricsServer(cfg.Metrics.Addr); err != nil {
			log.Printf("Failed to start metrics server: %v", err)
		}
	}

	if turbo || cfg.Retriever.Turbo {
		client.ConfigureTurboMode()
	}

	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}

	tracker := health.NewTracker(cfg.Health.FailureThreshold, cfg.ProbeInterval())
	svc := sched.NewService(sched.Options{
		PoolSize:       cfg.Scheduler.PoolSize,
		QueueSize:      cfg.Scheduler.QueueSize,
		StaleThreshold: cfg.StaleThreshold(),
		Health:         tracker,
		SecurityListener: func(cause error, identity string) {
			log.Printf("SECURITY: TLS failure for %s: %v", identity, cause)
		},
	})

	// First signal drains, second one pulls the plug.
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("Signal received, draining (send again to abort)")
		go svc.Shutdown(false)
		<-sigCh
		log.Println("Second signal, aborting")
		svc.Shutdown(true)
	}()

	jobID := uuid.New()
	log.Printf("Job %s: fetching %d URLs with priority %v", jobID, len(urls), batchPriority())

	kind := retrieval.KindHTTP
	if archive {
		kind = retrieval.KindArchive
	}

	submitted := 0
	var group errgroup.Group
	for _, rawURL := range urls {
		r := retrieval.NewURLRetriever(rawURL, &retrieval.Options{
			Kind:           kind,
			ConnectTimeout: cfg.ConnectTimeout(),
			ReadTimeout:    cfg.ReadTimeout(),
			Health:         tracker,
		})
		task, err := svc.Submit(r, batchPriority())
		if err != nil {
			log.Printf("Skipping %s: %v", rawURL, err)
			continue
		}
		submitted++

		group.Go(func() error {
			payload, err := task.Wait(context.Background())
			if err != nil {
				log.Printf("Failed %s: %v", task.Identity(), err)
				return nil // keep the batch going; failures were logged
			}
			name := filepath.Join(outputDir, util.SanitizeFilename(task.Identity()))
			if err := os.WriteFile(name, payload, 0644); err != nil {
				return fmt.Errorf("writing %s: %w", name, err)
			}
			return nil
		})
	}

	stopStats := make(chan struct{})
	if showStats {
		go reportProgress(svc, tracker, stopStats)
	}

	err = group.Wait()
	close(stopStats)
	svc.Shutdown(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if merr := metrics.ShutdownMetricsServer(shutdownCtx); merr != nil {
		log.Printf("Metrics server shutdown: %v", merr)
	}

	log.Printf("Job %s: %d URLs submitted, done", jobID, submitted)
	return err
}

func batchPriority() float64 {
	if fifo {
		return -1
	}
	return priority
}

// reportProgress periodically prints aggregate download progress and keeps
// the host-availability gauge current.
func reportProgress(svc *sched.Service, tracker *health.Tracker, stop <-chan struct{}) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			down := tracker.UnavailableHosts()
			if metrics.IsMetricsEnabled() {
				metrics.GetMetrics().HostsUnavailable.Set(float64(len(down)))
			}
			if !svc.HasActiveTasks() && svc.QueueDepth() == 0 {
				continue
			}
			msg := fmt.Sprintf("Progress: %.1f%% (%d queued, %d active)",
				svc.ProgressPercent(), svc.QueueDepth(), svc.ActiveWorkers())
			if len(down) > 0 {
				msg += fmt.Sprintf(", %d hosts unavailable", len(down))
			}
			log.Println(msg)
		}
	}
}

// checkHosts issues one lightweight retrieval per distinct host and reports
// which ones answered.
func checkHosts(args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	urls, err := collectURLs(args)
	if err != nil {
		return err
	}

	seen := make(map[string]string)
	for _, rawURL := range urls {
		host := util.HostOf(util.NormalizeIdentity(rawURL))
		if _, ok := seen[host]; !ok {
			seen[host] = rawURL
		}
	}

	tracker := health.NewTracker(1, cfg.ProbeInterval())
	svc := sched.NewService(sched.Options{
		PoolSize:       cfg.Scheduler.PoolSize,
		StaleThreshold: cfg.StaleThreshold(),
		Health:         tracker,
	})

	tasks := make(map[string]*sched.Task, len(seen))
	for host, rawURL := range seen {
		r := retrieval.NewURLRetriever(rawURL, &retrieval.Options{
			ConnectTimeout: cfg.ConnectTimeout(),
			ReadTimeout:    cfg.ReadTimeout(),
			Health:         tracker,
		})
		task, err := svc.Submit(r, 0)
		if err != nil {
			return err
		}
		tasks[host] = task
	}
	svc.Shutdown(false)

	for host, task := range tasks {
		if err := task.Err(); err != nil {
			fmt.Printf("%-40s DOWN (%v)\n", host, err)
		} else {
			fmt.Printf("%-40s OK\n", host)
		}
	}
	return nil
}
