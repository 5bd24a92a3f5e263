package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net"
	"net/http"
	"os"
	"runtime"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	liftgrpc "github.com/codewandler/lift-go/adapters/grpc"
	liftprom "github.com/codewandler/lift-go/adapters/prometheus"
	"github.com/codewandler/lift-go/core/api"
	"github.com/codewandler/lift-go/core/errs"
	"github.com/codewandler/lift-go/core/lift"
	"github.com/codewandler/lift-go/core/metadata"
	"github.com/codewandler/lift-go/core/partition"
)

// === Config ===

// NOTE: BACKEND=grpc dials the brokers in LIFT_ADDRESSES; BACKEND=mem serves
// an in-process memory broker over gRPC on a loopback port.

var (
	logLevel    = slog.LevelInfo
	N           = getEnvInt("N", 50_000)
	batchSize   = getEnvInt("B", 1_000)
	partitions  = getEnvInt("PARTITIONS", 4)
	backendType = getEnv("BACKEND", "mem")
	strategy    = getEnv("STRATEGY", string(lift.StrategyRoundRobin))
	withAck     = getEnvBool("ACK", true)
	subscribe   = getEnvBool("SUBSCRIBE", false)
	metricsAddr = getEnv("METRICS_ADDR", "")
)

func getEnvBool(key string, fallback bool) bool {
	v := getEnv(key, "")
	if v == "" {
		return fallback
	}
	if v == "1" || strings.ToLower(v) == "true" {
		return true
	}
	return false
}

func getEnv(key, fallback string) string {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	return v
}

func getEnvInt(key string, fallback int) int {
	v, err := strconv.Atoi(getEnv(key, fmt.Sprintf("%d", fallback)))
	if err != nil {
		return fallback
	}
	return v
}

func main() {
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))

	fmt.Printf("Backend:    %s\n", backendType)
	fmt.Printf("Strategy:   %s\n", strategy)
	fmt.Printf("Partitions: %d\n", partitions)
	fmt.Printf("Ack:        %s\n", strconv.FormatBool(withAck))

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
	defer cancel()

	reg := prometheus.NewRegistry()
	m := liftprom.NewAllMetrics(reg)
	if metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			if err := http.ListenAndServe(metricsAddr, mux); err != nil {
				log.Error("metrics server stopped", slog.Any("error", err))
			}
		}()
	}

	opts := lift.ClientOptions{
		Dial:            liftgrpc.Dialer(liftgrpc.DialOptions{}),
		Log:             log,
		Metrics:         m.Client,
		MetadataMetrics: m.Metadata,
	}
	switch backendType {
	case "grpc":
	default:
		addr, stop := serveMemBroker(log)
		defer stop()
		opts.Addresses = []string{addr}
	}

	opts, err := lift.OptionsFromEnv(opts)
	checkErr(err)

	client, err := lift.NewClient(opts)
	checkErr(err)
	defer func() { _ = client.Close() }()
	checkErr(client.Connect(ctx))

	// === stream ===

	subject := fmt.Sprintf("loadtest.%d", time.Now().UnixNano())
	desc, err := lift.NewStreamDescriptor(subject, subject+"-stream",
		lift.WithPartitions(int32(partitions)),
		lift.StartAtEarliest(),
	)
	checkErr(err)
	err = client.CreateStream(ctx, desc)
	if err != nil && !errors.Is(err, errs.ErrPartitionAlreadyExists) {
		checkErr(err)
	}

	received := make(chan int, partitions)
	if subscribe {
		for p := range partitions {
			sub, err := client.Subscribe(ctx, desc, lift.SubscribeToPartition(uint32(p)))
			checkErr(err)
			go func() {
				n := 0
				for range sub.Messages() {
					n++
				}
				received <- n
			}()
			defer func() { _ = sub.Close() }()
		}
	}

	// === START ===

	log.Info("==================================")
	log.Info("Starting ...")

	ackPolicy := api.AckPolicyNone
	if withAck {
		ackPolicy = api.AckPolicyLeader
	}

	var inner partition.Partitioner = partition.NewRoundRobin(nil)
	if lift.Strategy(strategy) == lift.StrategyKey {
		inner = partition.NewKey(nil)
	}
	dist := make(map[uint32]int)
	counting := partition.Func(func(subject string, key []byte, md *metadata.Metadata) (uint32, error) {
		p, err := inner.Partition(subject, key, md)
		if err == nil {
			dist[p]++
		}
		return p, err
	})

	startAt := time.Now()
	lastTime := startAt

	for i := 0; i < N; i++ {
		msg := lift.NewMessage(subject, []byte(fmt.Sprintf("msg-%d", i)),
			lift.WithKey([]byte(fmt.Sprintf("key-%d", i%1_000))),
			lift.WithPartitioner(counting),
			lift.WithAckPolicy(ackPolicy),
		)
		_, err := client.Publish(ctx, msg)
		checkErr(err)

		if i == 0 {
			continue
		}
		if i%100 == 0 {
			print(".")
		}
		if i%batchSize == 0 {
			mu := getMemUsage()

			n := time.Now()
			took := n.Sub(lastTime)
			fmt.Printf(" | %5d msgs | %6d ms |  %6d msgs/s | (%d / %d) MiB mem (sys) |\n", batchSize, took.Milliseconds(), int(float64(batchSize)/took.Seconds()), mu.Alloc/1024/1024, mu.Sys/1024/1024)
			lastTime = n
		}
	}

	// === stats ===
	println("")
	println("==========================================")

	doneAt := time.Now()
	took := doneAt.Sub(startAt)
	runtime.GC()

	fmt.Printf("total runtime: %.3f seconds\n", took.Seconds())
	fmt.Printf("avg. publish/s: %d\n", int(float64(N)/took.Seconds()))
	fmt.Println("partition distribution:")
	for _, p := range slices.Sorted(maps.Keys(dist)) {
		fmt.Printf("  %3d: %7d (%5.1f%%)\n", p, dist[p], 100*float64(dist[p])/float64(N))
	}

	if subscribe {
		// subscriptions end with the client
		time.Sleep(500 * time.Millisecond)
		checkErr(client.Close())
		total := 0
		for range partitions {
			total += <-received
		}
		fmt.Printf("      received: %d\n", total)
	}
}

// === stats helpers ===

type MemUsage struct {
	Alloc      uint64 // bytes allocated and not yet freed (heap)
	TotalAlloc uint64 // cumulative bytes allocated
	Sys        uint64 // total bytes obtained from OS
	NumGC      uint32 // gc cycles
}

func getMemUsage() MemUsage {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return MemUsage{
		Alloc:      m.Alloc,
		TotalAlloc: m.TotalAlloc,
		Sys:        m.Sys,
		NumGC:      m.NumGC,
	}
}

// === Backend ===

func serveMemBroker(log *slog.Logger) (string, func()) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	checkErr(err)
	port := lis.Addr().(*net.TCPAddr).Port

	broker := lift.NewMemoryBroker(lift.MemoryBrokerOptions{
		Brokers: []api.Broker{{ID: "mem-0", Host: "127.0.0.1", Port: int32(port)}},
		Log:     log,
	})
	srv := liftgrpc.NewServer(broker)
	go func() { _ = srv.Serve(lis) }()

	return lis.Addr().String(), func() {
		_ = broker.Close()
		srv.Stop()
	}
}

// === Helpers ===

func checkErr(err error) {
	if err != nil {
		panic(err)
	}
}
