// Copyright 2025 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package cli

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"os"
	"sort"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/cockroachdb/delta/pkg/arrange"
	"github.com/cockroachdb/delta/pkg/coord"
	"github.com/cockroachdb/delta/pkg/deltabase"
	"github.com/cockroachdb/delta/pkg/ingest"
	"github.com/cockroachdb/delta/pkg/sink"
	"github.com/cockroachdb/delta/pkg/util/ctxgroup"
	"github.com/cockroachdb/delta/pkg/util/epoch"
	"github.com/cockroachdb/delta/pkg/util/log"
	"github.com/cockroachdb/delta/pkg/util/timeutil"
	"github.com/cockroachdb/delta/pkg/zset"
	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/time/rate"
)

// demoFlags holds the command-line values for `delta demo`. Only flags the
// user actually set override the config file.
var demoFlags = DefaultDemoConfig()
var demoConfigPath string

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "run a scripted bank-ledger workload through the engine",
	Long: `demo feeds a scripted stream of bank-transfer transactions through a
collection, emits its change stream as JSON on stdout, and finishes with
point-in-time reads and a tail replay that cross-check the results.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := resolveDemoConfig(cmd.Flags())
		if err != nil {
			return err
		}
		return runDemo(cmd.Context(), cfg, os.Stdout)
	},
}

func init() {
	registerDemoFlags(demoCmd.Flags())
}

func registerDemoFlags(f *pflag.FlagSet) {
	f.IntVar(&demoFlags.Accounts, "accounts", demoFlags.Accounts,
		"number of bank accounts")
	f.IntVar(&demoFlags.Transactions, "transactions", demoFlags.Transactions,
		"number of transfer transactions to run")
	f.Float64Var(&demoFlags.Rate, "rate", demoFlags.Rate,
		"transaction rate limit, per second")
	f.StringVar(&demoFlags.CompactionWindow, "compaction-window", demoFlags.CompactionWindow,
		"compaction window of the demo's secondary index, in timestamps, or 'off'")
	f.DurationVar(&demoFlags.CompactionInterval, "compaction-interval", demoFlags.CompactionInterval,
		"how often the background compactor runs")
	f.StringVar(&demoFlags.MetricsAddr, "metrics-addr", demoFlags.MetricsAddr,
		"if set, serve Prometheus metrics on this address")
	f.Int64Var(&demoFlags.Seed, "seed", demoFlags.Seed,
		"random seed for the workload; 0 picks one")
	f.StringVar(&demoConfigPath, "config", "",
		"YAML config file; explicit flags override it")
}

// resolveDemoConfig layers the config sources: defaults, then the config
// file, then explicitly set flags.
func resolveDemoConfig(f *pflag.FlagSet) (DemoConfig, error) {
	cfg := demoFlags
	if demoConfigPath != "" {
		fileCfg, err := LoadDemoConfig(demoConfigPath)
		if err != nil {
			return DemoConfig{}, err
		}
		applyFlagOverrides(&fileCfg, f)
		cfg = fileCfg
	}
	if err := cfg.validate(); err != nil {
		return DemoConfig{}, err
	}
	return cfg, nil
}

func applyFlagOverrides(cfg *DemoConfig, f *pflag.FlagSet) {
	if f.Changed("accounts") {
		cfg.Accounts = demoFlags.Accounts
	}
	if f.Changed("transactions") {
		cfg.Transactions = demoFlags.Transactions
	}
	if f.Changed("rate") {
		cfg.Rate = demoFlags.Rate
	}
	if f.Changed("compaction-window") {
		cfg.CompactionWindow = demoFlags.CompactionWindow
	}
	if f.Changed("compaction-interval") {
		cfg.CompactionInterval = demoFlags.CompactionInterval
	}
	if f.Changed("metrics-addr") {
		cfg.MetricsAddr = demoFlags.MetricsAddr
	}
	if f.Changed("seed") {
		cfg.Seed = demoFlags.Seed
	}
}

const demoInitialBalance = 1000

// runDemo drives the full engine: a coordinator with a bank collection and a
// windowed secondary index, a scripted transfer source, a JSON sink on out,
// and closing point reads and a tail replay.
func runDemo(ctx context.Context, cfg DemoConfig, out io.Writer) error {
	seed := cfg.Seed
	if seed == 0 {
		seed = timeutil.Now().UnixNano()
	}
	fmt.Fprintf(out, "demo: %d accounts, %d transfers, rate %g/s, index window %s, seed %d\n",
		cfg.Accounts, cfg.Transactions, cfg.Rate, cfg.CompactionWindow, seed)

	registry := prometheus.NewRegistry()
	c := coord.New(coord.Config{
		CompactionInterval: cfg.CompactionInterval,
		Registry:           registry,
	})
	c.Start(ctx)
	defer c.Stop(ctx)

	stopMetrics, err := serveMetrics(ctx, cfg.MetricsAddr, registry, out)
	if err != nil {
		return err
	}
	defer stopMetrics()

	// The primary keeps full history so the closing reads can visit every
	// timestamp; the secondary index compacts per the configured window.
	window, err := cfg.window()
	if err != nil {
		return err
	}
	if _, err := c.CreateCollection(ctx, "bank", arrange.WindowOff); err != nil {
		return err
	}
	if err := c.CreateIndex(ctx, "bank", "recent", window); err != nil {
		return err
	}
	src, err := c.AttachSource(ctx, "bank", "demo-ledger")
	if err != nil {
		return err
	}

	// The change stream goes to out as JSON. Wait for the feed's initial
	// resolved marker so every transaction below lands after its starting
	// watermark and is emitted.
	client := &readyClient{Client: sink.NewJSONClient(out), ready: make(chan struct{})}
	feed, err := c.CreateSink(ctx, "bank", "", client, nil)
	if err != nil {
		return err
	}
	defer feed.Close(ctx)
	select {
	case <-client.ready:
	case <-feed.Done():
		return errors.Wrap(feed.Err(), "sink feed ended during startup")
	case <-ctx.Done():
		return ctx.Err()
	}

	w := newDemoWorkload(seed, cfg.Accounts)
	if err := src.Ingest(ctx, ingest.Begin("seed")); err != nil {
		return err
	}
	for _, name := range w.names {
		ev := ingest.Insert("seed", "accounts", accountRow(name, w.balances[name]))
		if err := src.Ingest(ctx, ev); err != nil {
			return err
		}
	}
	seedEnd := ingest.End("seed", int64(len(w.names)),
		map[string]int64{"accounts": int64(len(w.names))})
	if err := src.Ingest(ctx, seedEnd); err != nil {
		return err
	}

	limiter := rate.NewLimiter(rate.Limit(cfg.Rate), 1)
	for i := 0; i < cfg.Transactions; i++ {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
		if err := w.transfer(ctx, src, fmt.Sprintf("txn-%d", i+1)); err != nil {
			return err
		}
	}

	_, watermark, err := c.Frontiers("bank", "")
	if err != nil {
		return err
	}
	if err := waitForResolved(ctx, feed, watermark); err != nil {
		return err
	}

	if err := printBalances(ctx, c, watermark, out); err != nil {
		return err
	}
	if err := demoReads(ctx, c, out); err != nil {
		return err
	}
	return replayTail(ctx, c, watermark, out)
}

// serveMetrics starts a Prometheus endpoint on addr, or does nothing if addr
// is empty. The returned func stops the server.
func serveMetrics(
	ctx context.Context, addr string, registry *prometheus.Registry, out io.Writer,
) (func(), error) {
	if addr == "" {
		return func() {}, nil
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "listening on metrics address %s", addr)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux}
	g := ctxgroup.WithContext(ctx)
	g.GoCtx(func(ctx context.Context) error {
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	fmt.Fprintf(out, "serving metrics on http://%s/metrics\n", ln.Addr())
	return func() {
		if err := srv.Close(); err != nil {
			log.Warningf(ctx, "closing metrics server: %v", err)
		}
		if err := g.Wait(); err != nil {
			log.Warningf(ctx, "metrics server: %v", err)
		}
	}, nil
}

// readyClient wraps a Client and reports when the feed has emitted its first
// resolved timestamp.
type readyClient struct {
	sink.Client
	once  sync.Once
	ready chan struct{}
}

func (c *readyClient) EmitResolved(ctx context.Context, ts epoch.Timestamp) error {
	err := c.Client.EmitResolved(ctx, ts)
	c.once.Do(func() { close(c.ready) })
	return err
}

// demoWorkload is the scripted upstream database: account balances the
// transfers mutate, mirrored into the engine through the source.
type demoWorkload struct {
	rng      *rand.Rand
	names    []string
	balances map[string]int64
}

func newDemoWorkload(seed int64, accounts int) *demoWorkload {
	w := &demoWorkload{
		rng:      rand.New(rand.NewSource(seed)),
		names:    make([]string, accounts),
		balances: make(map[string]int64, accounts),
	}
	for i := range w.names {
		name := fmt.Sprintf("acct-%03d", i)
		w.names[i] = name
		w.balances[name] = demoInitialBalance
	}
	return w
}

func accountRow(name string, balance int64) zset.Row {
	return zset.NewRow(zset.String(name), zset.Int(balance))
}

// transfer runs one transfer transaction through the source: two account
// updates inside one BEGIN/END pair.
func (w *demoWorkload) transfer(ctx context.Context, src *ingest.Assigner, txnID string) error {
	from := w.names[w.rng.Intn(len(w.names))]
	for w.balances[from] <= 0 {
		from = w.names[w.rng.Intn(len(w.names))]
	}
	to := from
	for to == from {
		to = w.names[w.rng.Intn(len(w.names))]
	}
	amount := 1 + w.rng.Int63n(100)
	if b := w.balances[from]; amount > b {
		amount = b
	}

	msgs := []ingest.Message{
		ingest.Begin(txnID),
		ingest.Update(txnID, "accounts",
			accountRow(from, w.balances[from]), accountRow(from, w.balances[from]-amount)),
		ingest.Update(txnID, "accounts",
			accountRow(to, w.balances[to]), accountRow(to, w.balances[to]+amount)),
		ingest.End(txnID, 2, map[string]int64{"accounts": 2}),
	}
	for _, m := range msgs {
		if err := src.Ingest(ctx, m); err != nil {
			return err
		}
	}
	w.balances[from] -= amount
	w.balances[to] += amount
	return nil
}

// waitForResolved blocks until the feed's resolved timestamp reaches ts.
func waitForResolved(ctx context.Context, feed *sink.Feed, ts epoch.Timestamp) error {
	for feed.Resolved().Less(ts) {
		select {
		case <-feed.Done():
			return errors.Wrap(feed.Err(), "sink feed ended early")
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
	return nil
}

// printBalances reads the final state and prints it with a checksum of the
// conserved total.
func printBalances(
	ctx context.Context, c *coord.Coordinator, watermark epoch.Timestamp, out io.Writer,
) error {
	rows, err := c.Peek(ctx, "bank", "", watermark)
	if err != nil {
		return err
	}
	type balance struct {
		name  string
		total int64
	}
	balances := make([]balance, 0, len(rows))
	var total int64
	for _, u := range rows {
		if u.Diff != 1 {
			return errors.AssertionFailedf(
				"account row %s present %d times", u.Row, u.Diff)
		}
		b := balance{u.Row.Datum(0).StringValue(), u.Row.Datum(1).IntValue()}
		balances = append(balances, b)
		total += b.total
	}
	sort.Slice(balances, func(i, j int) bool { return balances[i].name < balances[j].name })

	fmt.Fprintf(out, "\nbalances at %s:\n", watermark)
	tw := tabwriter.NewWriter(out, 2, 1, 2, ' ', 0)
	for _, b := range balances {
		fmt.Fprintf(tw, "  %s\t%d\n", b.name, b.total)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	expected := int64(len(balances)) * demoInitialBalance
	if total != expected {
		return errors.AssertionFailedf(
			"transfers must conserve the total: have %d, expected %d", total, expected)
	}
	fmt.Fprintf(out, "  total\t%d (conserved)\n", total)
	return nil
}

// demoReads contrasts the full-history primary with the windowed index at
// the oldest timestamp.
func demoReads(ctx context.Context, c *coord.Coordinator, out io.Writer) error {
	first := epoch.MinTimestamp.Next()
	rows, err := c.Peek(ctx, "bank", "", first)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "read at %s on primary: %d rows\n", first, len(rows))

	rows, err = c.Peek(ctx, "bank", "recent", first)
	switch {
	case err == nil:
		fmt.Fprintf(out, "read at %s on recent index: %d rows\n", first, len(rows))
	case deltabase.IsStaleTimestamp(err):
		fmt.Fprintf(out, "read at %s on recent index: %v\n", first, err)
	default:
		return err
	}
	return nil
}

// replayTail re-reads the whole history through a tail cursor and prints
// what it saw.
func replayTail(
	ctx context.Context, c *coord.Coordinator, watermark epoch.Timestamp, out io.Writer,
) error {
	cur, err := c.OpenTail(ctx, "bank", "", epoch.MinTimestamp.Next())
	if err != nil {
		return err
	}
	defer cur.Close(ctx)

	var updates, batches int
	for {
		b, err := cur.Fetch(ctx, 0)
		if err != nil {
			return err
		}
		updates += len(b.Updates)
		batches++
		if !b.Progress.Less(watermark) {
			break
		}
	}
	fmt.Fprintf(out, "tail replayed %d updates in %d batches through %s\n",
		updates, batches, watermark)
	return nil
}
