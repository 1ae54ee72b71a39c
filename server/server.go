package main

import (
	"context"
	"flag"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"metapaxos/dlog"
	"metapaxos/metaproto"
	"metapaxos/replica"
	"metapaxos/replicaset"
	"metapaxos/rpcstore"
	"metapaxos/stats"
)

var myAddr = flag.String("addr", "127.0.0.1:7070", "Address to listen on. Peers reach this node at exactly this address.")
var id = flag.Uint("id", 0, "Proposer id of this node. 0 picks a random one.")
var bootstrap = flag.Bool("bootstrap", false, "Start a new cluster with this node as its only member.")
var join = flag.String("join", "", "Address of a member to ask to add this node.")
var storageParentDir = flag.String("dir", "", "Directory of the register log. Empty keeps registers in memory.")
var durable = flag.Bool("durable", true, "Sync every register write to disk before answering. Without it a machine crash can lose promises and accepts this node already acknowledged.")
var emulatedWriteTimeNs = flag.Int("emulatedwritetimens", 0, "Emulate stable storage writes with a sleep of this many nanoseconds instead of fsync.")
var instances = flag.Int("instances", 1, "Logical store instances per peer connection pool.")
var catchUp = flag.Bool("catchup", true, "Re-replicate every key after adding a member.")
var debug = flag.Bool("debug", false, "Print debug logs.")
var quiet = flag.Bool("quiet", false, "Log nothing?")
var logFilename = flag.String("logfile", "", "Name for log file")
var statsFilename = flag.String("statsfile", "", "Name for timeseries stats file")
var statsTickMs = flag.Int("statstick", 1000, "Milliseconds between stats lines")
var hostStats = flag.Bool("hoststats", false, "Append CPU, network and disk use to stats lines")
var nicName = flag.String("nicname", "", "NIC to report in host stats (all when empty)")
var diskName = flag.String("disk", "", "Disk to report in host stats (all when empty)")

func main() {
	flag.Parse()

	if *quiet {
		log.SetOutput(io.Discard)
	}
	if *logFilename != "" {
		file, err := os.Create(*logFilename)
		if err != nil {
			log.Fatal(err)
		}
		log.SetOutput(file)
	}
	dlog.SetDebug(*debug)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l, err := rpcstore.Listen(*myAddr)
	if err != nil {
		log.Fatal("listen error:", err)
	}
	addr := replicaset.NodeAddress(*myAddr)
	resolver := rpcstore.NewResolver(*instances)

	statsTick := time.Duration(*statsTickMs) * time.Millisecond
	rep, err := replica.New(ctx, replica.Config{
		Address:           addr,
		ProposerID:        uint32(*id),
		Dir:               *storageParentDir,
		Durable:           *durable,
		EmulatedWriteTime: time.Duration(*emulatedWriteTimeNs) * time.Nanosecond,
		CatchUpOnAdd:      *catchUp,
		StatsFile:         *statsFilename,
		StatsTick:         statsTick,
	}, resolver)
	if err != nil {
		log.Fatal(err)
	}
	resolver.SetLocal(addr, rep)

	if *hostStats {
		sampler := stats.NewHostSampler(*nicName, *diskName)
		go sampler.Run(ctx, statsTick)
		rep.Stats().SetExtra(sampler.Last)
	}
	rep.Stats().GoClock()

	if *bootstrap {
		if err := rep.Bootstrap(ctx); err != nil {
			log.Fatal(err)
		}
	}

	srv, err := rpcstore.NewServer(rep, *instances)
	if err != nil {
		log.Fatal(err)
	}

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	go catchKill(interrupt, cancel, srv, rep, resolver)

	if *join != "" {
		go joinCluster(ctx, resolver.Client(replicaset.NodeAddress(*join)), addr)
	}

	log.Printf("Server starting on %s (proposer id %d)\n", addr, rep.ProposerID())
	if err := srv.Serve(l); err != nil {
		log.Fatal(err)
	}
}

// joinCluster asks seed to add this node until it is a member.
func joinCluster(ctx context.Context, seed *rpcstore.Client, self replicaset.NodeAddress) {
	for ctx.Err() == nil {
		log.Printf("asking %s to add %s", seed.Addr(), self)
		status, cfg, err := seed.AddServer(ctx, self)
		if err == nil && status == metaproto.Success && cfg.Contains(self) {
			log.Printf("joined: %v", cfg)
			return
		}
		if err != nil {
			log.Printf("%v", err)
		} else {
			log.Printf("add %s: %v", self, status)
		}
		time.Sleep(1e9)
	}
}

func catchKill(interrupt chan os.Signal, cancel context.CancelFunc, srv *rpcstore.Server, rep *replica.Replica, resolver *rpcstore.Resolver) {
	<-interrupt
	log.Println("Caught signal")
	cancel()
	srv.Close()
	resolver.Close()
	if err := rep.Close(); err != nil {
		log.Printf("close: %v", err)
	}
	os.Exit(0)
}
