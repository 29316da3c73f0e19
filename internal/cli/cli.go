// ============================================================================
// Market-Sizer CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra commands wrapping the engine facade
//
// Command Structure:
//   marketsizer                          # Root command
//   ├── serve                            # HTTP API + gRPC + metrics
//   ├── submit   -f def.json [--wait]    # run locally, or post to --server
//   ├── status   --job ID [--remote]     # store read, or gRPC to a server
//   ├── stop     --job ID                # gRPC to a running server
//   ├── estimate -f def.json             # probe and print the credit plan
//   ├── results  --job ID --page N       # one page of rows as JSON
//   ├── export   --job ID --format csv|xlsx -o FILE
//   └── --config, -c                     # config file (default: configs/default.yaml)
//
// Local vs remote:
//   Jobs run inside the process that owns the service. `serve` owns it for
//   long-lived deployments; a local `submit` owns it until its job ends.
//   Read commands (status, results, export) only need the store, so they
//   work against a database shared with a running server.
//
// Signal Handling:
//   serve and local submit stop on SIGINT/SIGTERM. Running jobs are asked
//   to stop and keep every row written so far.
//
// ============================================================================

package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/ChuLiYu/market-sizer/internal/config"
	"github.com/ChuLiYu/market-sizer/internal/export"
	"github.com/ChuLiYu/market-sizer/internal/server"
	"github.com/ChuLiYu/market-sizer/pkg/search"
	"github.com/ChuLiYu/market-sizer/pkg/types"
)

var log = slog.Default()

var configFile string

// Version is overridden at build time with -ldflags "-X".
var Version = "dev"

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "marketsizer",
		Short: "marketsizer: adaptive market sizing against a rate-limited search API",
		Long: `marketsizer sizes a market by running a company search, splitting it
into sub-searches that fit the provider's result cap, and counting people
per discovered company for every person search.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildServeCommand())
	rootCmd.AddCommand(buildSubmitCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildStopCommand())
	rootCmd.AddCommand(buildEstimateCommand())
	rootCmd.AddCommand(buildResultsCommand())
	rootCmd.AddCommand(buildExportCommand())

	return rootCmd
}

// loadConfig reads the config file and installs the configured logger on
// stderr.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.SetupLogging(os.Stderr); err != nil {
		return nil, err
	}
	log = slog.Default()
	return cfg, nil
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

// ============================================================================
// serve
// ============================================================================

func buildServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, the gRPC service and the metrics endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return runServe(ctx, cfg)
		},
	}
}

func runServe(ctx context.Context, cfg *config.Config) error {
	if err := cfg.ValidateProvider(); err != nil {
		return err
	}
	app, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer app.closeResources()

	if err := app.Service.Start(ctx); err != nil {
		return fmt.Errorf("failed to start service: %w", err)
	}

	httpSrv := server.NewHTTPServer(cfg.Server.HTTPAddr, server.NewHandler(app.Service))
	grpcSrv := server.NewGRPCServer(app.Service)
	lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
	if err != nil {
		_ = app.Service.Close(context.Background())
		return fmt.Errorf("failed to listen on %s: %w", cfg.Server.GRPCAddr, err)
	}

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", app.Metrics.Handler())
		metricsSrv = server.NewHTTPServer(fmt.Sprintf(":%d", cfg.Metrics.Port), mux)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("http server listening", "addr", cfg.Server.HTTPAddr)
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		log.Info("grpc server listening", "addr", cfg.Server.GRPCAddr)
		if err := grpcSrv.Serve(lis); err != nil {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})
	if metricsSrv != nil {
		g.Go(func() error {
			log.Info("metrics server listening", "addr", metricsSrv.Addr)
			if err := metricsSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		errs := []error{httpSrv.Shutdown(shutdownCtx)}
		grpcSrv.GracefulStop()
		if metricsSrv != nil {
			errs = append(errs, metricsSrv.Shutdown(shutdownCtx))
		}
		errs = append(errs, app.Service.Close(shutdownCtx))
		return errors.Join(errs...)
	})

	err = g.Wait()
	log.Info("server stopped")
	return err
}

// ============================================================================
// submit
// ============================================================================

func buildSubmitCommand() *cobra.Command {
	var file, serverURL string
	var wait bool

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a job definition",
		Long: `Submit a job definition (JSON). Without --server the job runs in this
process and the command returns when it ends. With --server the definition
is posted to a running server; --wait then polls until the job ends.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("failed to read job file: %w", err)
			}
			if _, err := search.ParseSubmission(data); err != nil {
				return err
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			if serverURL != "" {
				return submitRemote(ctx, cmd.OutOrStdout(), serverURL, data, wait)
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return submitLocal(ctx, cmd.OutOrStdout(), cfg, data)
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "JSON file containing the job definition")
	cmd.Flags().StringVar(&serverURL, "server", "", "base URL of a running server, e.g. http://localhost:8080")
	cmd.Flags().BoolVar(&wait, "wait", false, "with --server, wait until the job ends")
	cmd.MarkFlagRequired("file")

	return cmd
}

func submitLocal(ctx context.Context, w io.Writer, cfg *config.Config, data []byte) error {
	if err := cfg.ValidateProvider(); err != nil {
		return err
	}
	app, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := app.Close(closeCtx); err != nil {
			log.Warn("close failed", "error", err)
		}
	}()

	if err := app.Service.Start(ctx); err != nil {
		return fmt.Errorf("failed to start service: %w", err)
	}
	id, err := app.Service.SubmitJSON(ctx, data)
	if err != nil {
		return err
	}
	log.Info("job running", "job_id", id)

	job, err := app.Service.Wait(ctx, id)
	if errors.Is(err, context.Canceled) {
		log.Info("interrupted, stopping job", "job_id", id)
		if err := app.Service.Stop(context.Background(), id); err != nil {
			return err
		}
		job, err = app.Service.Wait(context.Background(), id)
	}
	if err != nil {
		return err
	}
	return printJSON(w, types.ProgressOf(&job))
}

func submitRemote(ctx context.Context, w io.Writer, baseURL string, data []byte, wait bool) error {
	baseURL = strings.TrimRight(baseURL, "/")
	var created struct {
		JobID types.JobID `json:"job_id"`
	}
	if err := httpJSON(ctx, http.MethodPost, baseURL+"/api/jobs", data, &created); err != nil {
		return err
	}
	if !wait {
		return printJSON(w, created)
	}

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		var p types.ProgressSnapshot
		if err := httpJSON(ctx, http.MethodGet, baseURL+"/api/jobs/"+string(created.JobID), nil, &p); err != nil {
			return err
		}
		if p.Status.Terminal() {
			return printJSON(w, p)
		}
		log.Info("job progress", "job_id", p.JobID, "status", p.Status,
			"segments_done", p.SegmentsDone, "segments_total", p.SegmentsTotal, "credits_used", p.CreditsUsed)
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// httpJSON performs one API call and decodes the JSON response into out.
func httpJSON(ctx context.Context, method, url string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		return fmt.Errorf("%s %s: %s: %s", method, url, resp.Status, apiErr.Error)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// ============================================================================
// status / stop
// ============================================================================

func buildStatusCommand() *cobra.Command {
	var jobID, remote string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the status of a job",
		Long:  "Read a job's progress from the store, or from a running server with --remote.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			var p types.ProgressSnapshot
			if remote != "" {
				conn, err := dialGRPC(remote)
				if err != nil {
					return err
				}
				defer conn.Close()
				if p, err = server.NewJobsClient(conn).Status(ctx, types.JobID(jobID)); err != nil {
					return err
				}
			} else {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				app, err := openApp(ctx, cfg)
				if err != nil {
					return err
				}
				defer app.closeResources()
				if p, err = app.Service.Status(ctx, types.JobID(jobID)); err != nil {
					return err
				}
			}
			printProgress(cmd.OutOrStdout(), p)
			return nil
		},
	}

	cmd.Flags().StringVar(&jobID, "job", "", "job id")
	cmd.Flags().StringVar(&remote, "remote", "", "gRPC address of a running server, e.g. localhost:50051")
	cmd.MarkFlagRequired("job")
	return cmd
}

func buildStopCommand() *cobra.Command {
	var jobID, remote string

	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop a job on a running server",
		Long:  "Request a cooperative stop. Completed work is kept; queued segments are marked stopped.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if remote == "" {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				remote = cfg.Server.GRPCAddr
			}
			conn, err := dialGRPC(remote)
			if err != nil {
				return err
			}
			defer conn.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.NewJobsClient(conn).Stop(ctx, types.JobID(jobID)); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stop requested for job %s\n", jobID)
			return nil
		},
	}

	cmd.Flags().StringVar(&jobID, "job", "", "job id")
	cmd.Flags().StringVar(&remote, "remote", "", "gRPC address of the server (default: server.grpc_addr)")
	cmd.MarkFlagRequired("job")
	return cmd
}

func dialGRPC(addr string) (*grpc.ClientConn, error) {
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	return conn, nil
}

func printProgress(w io.Writer, p types.ProgressSnapshot) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Job:\t%s (%s)\n", p.JobID, p.Name)
	fmt.Fprintf(tw, "Status:\t%s\n", p.Status)
	if p.ErrorMessage != "" {
		fmt.Fprintf(tw, "Error:\t%s\n", p.ErrorMessage)
	}
	fmt.Fprintf(tw, "Segments:\t%d/%d done, %d failed, %d truncated\n",
		p.SegmentsDone, p.SegmentsTotal, p.SegmentsFailed, p.SegmentsTruncated)
	fmt.Fprintf(tw, "Companies:\t%d\n", p.CompaniesFound)
	fmt.Fprintf(tw, "Credits:\t%d used, %d estimated\n", p.CreditsUsed, p.CreditsEstimated)
	if p.Truncated {
		fmt.Fprintf(tw, "Truncated:\tyes, some searches hit the result cap\n")
	}
	for _, name := range sortedKeys(p.Aggregates) {
		fmt.Fprintf(tw, "People (%s):\t%d\n", name, p.Aggregates[name])
	}
	tw.Flush()
}

// ============================================================================
// estimate / results / export
// ============================================================================

func buildEstimateCommand() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "estimate",
		Short: "Estimate the credit cost of a job definition",
		Long:  "Probe the company search with one count-only call and print the credit plan.",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("failed to read job file: %w", err)
			}
			sub, err := search.ParseSubmission(data)
			if err != nil {
				return err
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.ValidateProvider(); err != nil {
				return err
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			app, err := openApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer app.closeResources()

			b, err := app.Service.Estimate(ctx, sub)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), b)
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "JSON file containing the job definition")
	cmd.MarkFlagRequired("file")
	return cmd
}

func buildResultsCommand() *cobra.Command {
	var jobID string
	var page, perPage int

	cmd := &cobra.Command{
		Use:   "results",
		Short: "Print one page of a job's result rows",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			app, err := openApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer app.closeResources()

			res, err := app.Service.Results(ctx, types.JobID(jobID), page, perPage)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}

	cmd.Flags().StringVar(&jobID, "job", "", "job id")
	cmd.Flags().IntVar(&page, "page", 1, "page number, starting at 1")
	cmd.Flags().IntVar(&perPage, "per-page", 0, "rows per page (default: store default)")
	cmd.MarkFlagRequired("job")
	return cmd
}

func buildExportCommand() *cobra.Command {
	var jobID, format, output string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export a job's results as CSV or XLSX",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := export.ParseFormat(format)
			if err != nil {
				return err
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			app, err := openApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer app.closeResources()

			var buf bytes.Buffer
			if err := app.Service.Export(ctx, types.JobID(jobID), f, &buf); err != nil {
				return err
			}
			if output == "" || output == "-" {
				_, err := buf.WriteTo(cmd.OutOrStdout())
				return err
			}
			if err := os.WriteFile(output, buf.Bytes(), 0o644); err != nil {
				return fmt.Errorf("failed to write %s: %w", output, err)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "wrote %s\n", output)
			return nil
		},
	}

	cmd.Flags().StringVar(&jobID, "job", "", "job id")
	cmd.Flags().StringVar(&format, "format", "csv", "csv or xlsx")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file (default: stdout)")
	cmd.MarkFlagRequired("job")
	return cmd
}

// ============================================================================
// Output helpers
// ============================================================================

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func sortedKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
