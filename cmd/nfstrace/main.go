// Command nfstrace captures NFS and CIFS traffic from a pcap file or a live
// interface and prints a per-procedure breakdown of the RPC calls and SMB
// commands seen. In dump and drain modes it writes the packets carrying
// traced messages to pcap files instead.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"github.com/holmberd/go-nfstrace"
	"github.com/holmberd/go-nfstrace/internal/analysis"
	"github.com/holmberd/go-nfstrace/internal/filtration"
)

var (
	iface       = pflag.StringP("interface", "i", "", "Interface to capture packets from")
	fname       = pflag.StringP("read", "r", "", "Pcap or pcapng file to read from in stat and drain modes")
	capacity    = pflag.IntP("queue-capacity", "Q", 4096, "Capacity of the transfer queue in records")
	headerLimit = pflag.IntP("msg-header", "M", filtration.DefaultMsgHeaderLimit, "Bytes kept of NFS and SMB READ/WRITE messages, 1..4000")
	metricsAddr = pflag.String("metrics", "", "Address to serve Prometheus metrics on, disabled if empty")
	verbose     = pflag.BoolP("verbose", "v", false, "Log every call and reply")
	poll        = pflag.Duration("poll", analysis.DefaultPollInterval, "Analysis poll interval")
	output      = pflag.StringP("write", "w", "nfstrace-dump.pcap", "File dump and drain modes write packets to, - for stdout")
	dumpSize    = pflag.Int64P("dump-size", "D", 0, "Size in MiB after which the dump file is rotated, 0 for no limit")
	command     = pflag.StringP("command", "C", "", "Command run with the name of every completed dump file appended")

	mode      modeFlag
	nfsPorts  = portsFlag(filtration.DefaultConfig().NFSPorts)
	cifsPorts = portsFlag(filtration.DefaultConfig().CIFSPorts)
)

func init() {
	pflag.VarP(&mode, "mode", "m", "Mode: live, stat, dump or drain; defaults to stat with -r and live with -i")
	pflag.Var(&nfsPorts, "nfs-ports", "Ports carrying Sun RPC")
	pflag.Var(&cifsPorts, "cifs-ports", "Ports carrying NetBIOS/SMB")
	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [-m mode] [-r file | -i interface] [flags]\n", os.Args[0])
		pflag.PrintDefaults()
	}
}

func main() {
	pflag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		logger.Error("nfstrace failed", "error", err)
		os.Exit(1)
	}
}

func openReader(mode string) (*filtration.Reader, error) {
	if mode == modeStat || mode == modeDrain {
		return filtration.OpenFile(*fname)
	}
	return filtration.OpenInterface(*iface)
}

func filterConfig() filtration.Config {
	config := filtration.DefaultConfig()
	config.MsgHeaderLimit = *headerLimit
	config.NFSPorts = nfsPorts
	config.CIFSPorts = cifsPorts
	return config
}

func run(ctx context.Context, logger *slog.Logger) (err error) {
	m, err := mode.resolve(*fname, *iface)
	if err != nil {
		return err
	}
	if *capacity <= 0 {
		return errors.Errorf("queue capacity %d must be positive", *capacity)
	}
	reader, err := openReader(m)
	if err != nil {
		return errors.Wrap(err, "cannot open capture")
	}
	defer reader.Close()

	if *metricsAddr != "" {
		serveMetrics(*metricsAddr, logger)
	}
	if dumps(m) {
		return runDump(ctx, logger, reader)
	}

	queue, err := nfstrace.NewQueue[filtration.Record](nfstrace.QueueConfigForCapacity(*capacity))
	if err != nil {
		return errors.Wrap(err, "cannot create transfer queue")
	}
	router, err := nfstrace.NewPoolRouter(nfstrace.DefaultRouterConfig(), logger)
	if err != nil {
		queue.Close()
		return errors.Wrap(err, "cannot create record allocator")
	}
	// Records may hold router chunks, so the queue is closed first.
	defer func() {
		if cerr := queue.Close(); cerr != nil {
			logger.Error("failed to close transfer queue", "error", cerr)
		}
		if cerr := router.Close(); cerr != nil {
			logger.Error("failed to close record allocator", "error", cerr)
		}
	}()

	writer := filtration.NewWriter(queue, router, logger)
	filter, err := filtration.New(filterConfig(), writer, logger)
	if err != nil {
		return err
	}

	breakdown := analysis.NewBreakdown()
	analyzers := []analysis.Analyzer{breakdown}
	if *verbose {
		analyzers = append(analyzers, analysis.NewPrint(logger))
	}
	dconfig := analysis.DefaultDispatcherConfig()
	dconfig.PollInterval = *poll
	dispatcher, err := analysis.NewDispatcher(queue, dconfig, logger, analyzers...)
	if err != nil {
		return err
	}

	dispatcher.Start()
	logger.Info("capture started", "link_type", reader.LinkType(), "queue_capacity", queue.Capacity())
	runErr := filter.Run(ctx, reader.Packets())

	// Producers stop first so the final drain sees every published record.
	filter.Stop()
	if err := dispatcher.Stop(); err != nil {
		return errors.Wrap(err, "analysis stopped")
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return errors.Wrap(runErr, "filtration stopped")
	}

	stats := filter.Stats()
	logger.Info("capture finished",
		"published", stats.Published,
		"dropped", stats.Dropped,
		"bytes", stats.Bytes,
		"sessions", filter.Sessions(),
		"pending_calls", dispatcher.PendingCalls(),
	)
	return dispatcher.Flush(os.Stdout)
}

// runDump writes the packets carrying traced messages to pcap files.
func runDump(ctx context.Context, logger *slog.Logger, reader *filtration.Reader) error {
	dumper, err := filtration.NewDumper(filtration.DumpConfig{
		Path:      *output,
		SizeLimit: *dumpSize << 20,
		Command:   *command,
	}, reader.LinkType(), logger)
	if err != nil {
		return err
	}
	filter, err := filtration.New(filterConfig(), dumper, logger)
	if err != nil {
		dumper.Close()
		return err
	}

	logger.Info("dump started", "link_type", reader.LinkType(), "file", *output)
	runErr := filter.Run(ctx, reader.Packets())
	filter.Stop()
	if err := dumper.Close(); err != nil {
		return errors.Wrap(err, "cannot close dump file")
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return errors.Wrap(runErr, "filtration stopped")
	}

	logger.Info("dump finished",
		"messages", filter.Stats().Published,
		"packets", dumper.Packets(),
		"bytes", filter.Stats().Bytes,
		"sessions", filter.Sessions(),
	)
	return nil
}

func serveMetrics(addr string, logger *slog.Logger) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	filtration.RegisterMonitoring(reg)
	analysis.RegisterMonitoring(reg)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("serving metrics", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()
}
