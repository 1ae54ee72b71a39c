package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math"
	"os"
	"time"

	"metapaxos/dlog"
	"metapaxos/mathextra"
	"metapaxos/metaproto"
	"metapaxos/metastore"
	"metapaxos/replicaset"
	"metapaxos/rpcstore"
)

var serverAddr = flag.String("addr", "127.0.0.1:7070", "Address of the node to send requests to.")
var op = flag.String("op", "get", "One of get, put, add, remove, config, keys, bench.")
var key = flag.String("key", "", "Key to read or write.")
var value = flag.String("value", "", "Value to write.")
var version = flag.Int64("version", 0, "Version of the value to write; it must be one more than the current version.")
var node = flag.String("node", "", "Member to add or remove.")
var fresh = flag.Bool("fresh", false, "Read the configuration through the cluster instead of from the node.")
var outstanding = flag.Int("q", 1000, "Number of sequential updates in bench mode.")
var psize = flag.Int("psize", 100, "Payload size for bench writes.")
var latencyOutput = flag.String("lato", "", "Where bench latencies will be written")
var timeout = flag.Duration("timeout", 10*time.Second, "Deadline for each request.")
var verbose = flag.Bool("v", false, "verbose mode.")

func main() {
	flag.Parse()
	dlog.SetDebug(*verbose)

	c := rpcstore.NewClient(*serverAddr, 0)
	defer c.Close()

	var err error
	switch *op {
	case "get":
		err = get(c)
	case "put":
		err = put(c)
	case "add", "remove":
		err = member(c)
	case "config":
		err = config(c)
	case "keys":
		err = keys(c)
	case "bench":
		err = bench(c)
	default:
		err = fmt.Errorf("unknown op %q", *op)
	}
	if err != nil {
		log.Fatal(err)
	}
}

func request() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), *timeout)
}

func get(c *rpcstore.Client) error {
	ctx, cancel := request()
	defer cancel()
	status, e, err := c.Get(ctx, *key)
	if err != nil {
		return err
	}
	fmt.Printf("%v version=%d value=%q\n", status, e.Version, e.Value)
	return nil
}

func put(c *rpcstore.Client) error {
	ctx, cancel := request()
	defer cancel()
	status, e, err := c.Update(ctx, *key, metastore.Entry{Version: *version, Value: []byte(*value)})
	if err != nil {
		return err
	}
	fmt.Printf("%v version=%d value=%q\n", status, e.Version, e.Value)
	return nil
}

func member(c *rpcstore.Client) error {
	if *node == "" {
		return fmt.Errorf("-node is required")
	}
	ctx, cancel := request()
	defer cancel()
	var status metaproto.ReplicationStatus
	var cfg replicaset.Configuration
	var err error
	if *op == "add" {
		status, cfg, err = c.AddServer(ctx, replicaset.NodeAddress(*node))
	} else {
		status, cfg, err = c.RemoveServer(ctx, replicaset.NodeAddress(*node))
	}
	if err != nil {
		return err
	}
	fmt.Printf("%v %v\n", status, cfg)
	return nil
}

func config(c *rpcstore.Client) error {
	ctx, cancel := request()
	defer cancel()
	cfg, err := c.Configuration(ctx, *fresh)
	if err != nil {
		return err
	}
	fmt.Println(cfg)
	return nil
}

func keys(c *rpcstore.Client) error {
	ctx, cancel := request()
	defer cancel()
	ks, err := c.GetKeys(ctx)
	if err != nil {
		return err
	}
	for _, k := range ks {
		fmt.Println(k)
	}
	return nil
}

// bench runs sequential updates against one key and reports latencies.
func bench(c *rpcstore.Client) error {
	if *key == "" {
		*key = "bench"
	}
	var out *os.File
	if *latencyOutput != "" {
		f, err := os.Create(*latencyOutput)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}

	ctx, cancel := request()
	status, cur, err := c.Get(ctx, *key)
	cancel()
	if err != nil || status != metaproto.Success {
		return fmt.Errorf("reading %q: %v %v", *key, status, err)
	}

	payload := make([]byte, *psize)
	avg := mathextra.Ewma{Weight: 0.1}
	minLat, maxLat := int64(math.MaxInt64), int64(0)
	failed := 0
	start := time.Now()
	for i := 0; i < *outstanding; i++ {
		ctx, cancel := request()
		before := time.Now()
		status, got, err := c.Update(ctx, *key, metastore.Entry{Version: cur.Version + 1, Value: payload})
		cancel()
		lat := time.Since(before).Microseconds()
		if err != nil || status != metaproto.Success {
			failed++
			dlog.Printf("update %d: %v %v", i, status, err)
			// reread so the next version is right even after an uncertain write
			ctx, cancel := request()
			if s, e, err := c.Get(ctx, *key); err == nil && s == metaproto.Success {
				cur = e
			}
			cancel()
			continue
		}
		cur = got
		avg.Add(float64(lat))
		if lat < minLat {
			minLat = lat
		}
		if lat > maxLat {
			maxLat = lat
		}
		if out != nil {
			fmt.Fprintf(out, "%s, %d, %d\n", time.Now().Format("2006/01/02 15:04:05 .000"), time.Now().UnixNano(), lat)
		}
	}
	if minLat == math.MaxInt64 {
		minLat = 0
	}
	elapsed := time.Since(start)
	fmt.Printf("%d updates in %v (%d failed), latency min %d us max %d us ewma %.0f us, now at version %d\n",
		*outstanding, elapsed, failed, minLat, maxLat, avg.Value(), cur.Version)
	return nil
}
