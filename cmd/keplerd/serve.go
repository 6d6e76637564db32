package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"github.com/cuemby/kepler/internal/bucket"
	"github.com/cuemby/kepler/internal/dcp/producer"
	"github.com/cuemby/kepler/internal/dcp/transport"
	"github.com/cuemby/kepler/internal/docstore"
	"github.com/cuemby/kepler/internal/elog"
	"github.com/cuemby/kepler/internal/emetrics"
	"github.com/cuemby/kepler/internal/eviction"
	"github.com/cuemby/kepler/internal/failover"
	"github.com/cuemby/kepler/internal/flusher"
	"github.com/cuemby/kepler/internal/scheduler"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the storage engine node",
	Long: `serve starts a single keplerd node: it opens every partition's
document store and failover log, warms the hash table from whatever was
last persisted, activates every partition, and starts the background
flusher/item-pager/access-scanner/defragmenter tasks alongside the DCP
replication gRPC service and the Prometheus metrics endpoint.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("grpc-addr", "0.0.0.0:11210", "Replication gRPC listen address")
	serveCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Prometheus metrics listen address")
	serveCmd.Flags().Int("scheduler-workers", 4, "Worker goroutines per scheduler lane")
}

// grpcRouter implements transport.ProducerRouter: it resolves an
// inbound StreamReq's vbucket to a producer.Stream backed by this
// node's own bucket/store/failover-table triple, scheduling each
// newly-opened stream on the scheduler's reader lane the way the
// flusher and eviction tasks are scheduled.
type grpcRouter struct {
	b        *bucket.Bucket
	stores   map[uint16]docstore.DocStore
	failover map[uint16]*failover.Table
	sched    *scheduler.Scheduler
	nextID   int
}

func (r *grpcRouter) Open(vbid uint16, sink producer.Sink) (*producer.Stream, error) {
	r.nextID++
	id := fmt.Sprintf("dcp-producer-%d-vb%d", r.nextID, vbid)
	s := producer.NewStream(id, vbid, r.b.Partition(vbid), r.stores[vbid], r.failover[vbid], sink, nil, false)
	r.sched.Schedule(scheduler.LaneReader, scheduler.PriorityNormal, s)
	return s, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("keplerd serve: load config: %w", err)
	}

	logger := elog.WithComponent("keplerd")
	logger.Info().Str("data_dir", cfg.DataDir).Uint16("num_partitions", cfg.NumPartitions).Msg("starting")

	stores, err := openStores(cfg)
	if err != nil {
		return err
	}
	defer closeStores(stores)

	failoverTables, err := openFailoverTables(cfg)
	if err != nil {
		return err
	}

	b, budget := buildBucket(cfg)

	ctx := context.Background()
	if err := warmEachPartition(ctx, b, stores); err != nil {
		return fmt.Errorf("keplerd serve: %w", err)
	}
	if err := activateAll(b); err != nil {
		return fmt.Errorf("keplerd serve: %w", err)
	}

	laneWorkers, _ := cmd.Flags().GetInt("scheduler-workers")
	sched := scheduler.New(laneWorkers)
	defer sched.Stop()

	fl := flusher.New("flusher", b, stores, cfg.FlushBatchSize)
	sched.Schedule(scheduler.LaneWriter, scheduler.PriorityHigh, fl)

	pager := eviction.NewItemPager("item-pager", b, budget, eviction.Watermarks{Upper: cfg.EvictionMemThreshold})
	sched.Schedule(scheduler.LaneNonIO, scheduler.PriorityNormal, pager)

	scanner := eviction.NewAccessScanner("access-scanner", b, filepath.Join(cfg.DataDir, "access-log"), cfg.AccessScannerResidentRatio, time.Hour)
	sched.Schedule(scheduler.LaneAuxIO, scheduler.PriorityLow, scanner)

	defrag := eviction.NewDefragmenter("defragmenter", b, time.Minute)
	sched.Schedule(scheduler.LaneNonIO, scheduler.PriorityLow, defrag)

	purger := eviction.NewCollectionPurger("collection-purger", b)
	sched.Schedule(scheduler.LaneNonIO, scheduler.PriorityLow, purger)

	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", emetrics.Handler())
		logger.Info().Str("addr", metricsAddr).Msg("metrics endpoint listening")
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			logger.Error().Err(err).Msg("metrics server exited")
		}
	}()

	grpcAddr, _ := cmd.Flags().GetString("grpc-addr")
	lis, err := net.Listen("tcp", grpcAddr)
	if err != nil {
		return fmt.Errorf("keplerd serve: listen %s: %w", grpcAddr, err)
	}

	router := &grpcRouter{b: b, stores: stores, failover: failoverTables, sched: sched}
	grpcServer := grpc.NewServer()
	grpcServer.RegisterService(&transport.ServiceDesc, transport.ProducerServer{Router: router})

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", grpcAddr).Msg("replication service listening")
		if err := grpcServer.Serve(lis); err != nil {
			errCh <- fmt.Errorf("grpc server: %w", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info().Msg("shutdown signal received")
	case err := <-errCh:
		logger.Error().Err(err).Msg("serving error")
	}

	grpcServer.GracefulStop()
	for i := 0; i < b.NumPartitions(); i++ {
		if err := fl.FlushAndWait(uint16(i)); err != nil {
			logger.Warn().Err(err).Uint16("vbid", uint16(i)).Msg("final flush failed")
		}
	}

	logger.Info().Msg("shutdown complete")
	return nil
}
