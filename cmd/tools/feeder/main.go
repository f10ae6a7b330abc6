package main

import (
	"context"
	"flag"
	"fmt"
	"math"
	"math/rand"
	"net"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/bytedance/sonic"
	"github.com/yanun0323/logs"

	"tickrelay/internal/chaos"
	"tickrelay/pkg/backoff"
	"tickrelay/pkg/netx"
)

var basePrices = map[string]float64{
	"EURUSD": 1.0850,
	"GBPUSD": 1.2700,
	"USDJPY": 151.20,
	"XAUUSD": 2330.0,
}

type options struct {
	network    string
	address    string
	clients    int
	rate       int
	duration   time.Duration
	symbols    []string
	provenance string
	origin     string
	chaos      chaos.Config
}

func main() {
	var opt options
	symbols := flag.String("symbols", "EURUSD,GBPUSD,USDJPY", "comma separated instruments")
	flag.StringVar(&opt.network, "network", "tcp", "tcp or unix")
	flag.StringVar(&opt.address, "addr", "127.0.0.1:7001", "collector address")
	flag.IntVar(&opt.clients, "clients", 2, "simulated terminals")
	flag.IntVar(&opt.rate, "rate", 20, "readings per second per client")
	flag.DurationVar(&opt.duration, "duration", 0, "stop after (0 runs until interrupted)")
	flag.StringVar(&opt.provenance, "provenance", "LIVE", "provenance tag to send")
	flag.StringVar(&opt.origin, "origin", "feeder", "origin label prefix")
	flag.IntVar(&opt.chaos.MaxSplits, "splits", 0, "max extra cuts per write (fragmented delivery)")
	flag.Float64Var(&opt.chaos.CorruptRate, "corrupt", 0, "fraction of records to corrupt")
	flag.Float64Var(&opt.chaos.DropRate, "drop", 0, "fraction of records to drop")
	flag.Float64Var(&opt.chaos.DuplicateRate, "dup", 0, "fraction of records to duplicate")
	flag.IntVar(&opt.chaos.ReorderWindow, "reorder", 1, "reorder window in records")
	flag.Parse()

	for _, s := range strings.Split(*symbols, ",") {
		if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
			opt.symbols = append(opt.symbols, s)
		}
	}
	if len(opt.symbols) == 0 || opt.clients <= 0 || opt.rate <= 0 {
		logs.Errorf("feeder: need symbols, clients > 0 and rate > 0")
		os.Exit(2)
	}
	if err := opt.chaos.Validate(); err != nil {
		logs.Errorf("feeder: %+v", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if opt.duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opt.duration)
		defer cancel()
	}

	client, err := netx.NewClient(opt.network, opt.address)
	if err != nil {
		logs.Errorf("feeder: %+v", err)
		os.Exit(1)
	}

	var wg sync.WaitGroup
	for i := 0; i < opt.clients; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			runClient(ctx, client, opt, id)
		}(i)
	}
	wg.Wait()
	logs.Info("feeder stopped")
}

// runClient keeps one terminal connected, reconnecting with backoff.
func runClient(ctx context.Context, client *netx.Client, opt options, id int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(id)))
	walk := newWalk(opt.symbols, rng)
	cfg := opt.chaos
	cfg.Seed = rng.Int63()
	engine, err := chaos.NewEngine(cfg)
	if err != nil {
		logs.Errorf("client %d: %+v", id, err)
		return
	}
	bo := backoff.Default()
	attempt := 0
	for ctx.Err() == nil {
		conn, err := client.Dial(ctx)
		if err != nil {
			attempt++
			wait := bo.Next(attempt)
			logs.Warnf("client %d dial %s failed, retry in %s, err: %+v", id, client.Address(), wait, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}
		attempt = 0
		sent, err := stream(ctx, conn, opt, id, walk, engine, rng)
		_ = conn.Close()
		logs.Infof("client %d sent %d readings", id, sent)
		if err != nil && ctx.Err() == nil {
			logs.Warnf("client %d stream ended, err: %+v", id, err)
		}
	}
}

func stream(ctx context.Context, conn net.Conn, opt options, id int, walk *walk, engine *chaos.Engine, rng *rand.Rand) (int, error) {
	ticker := time.NewTicker(time.Second / time.Duration(opt.rate))
	defer ticker.Stop()
	source := fmt.Sprintf("term-%d", id)
	origin := opt.origin + "-" + source
	sent := 0
	write := func(recs [][]byte) error {
		var buf []byte
		for _, rec := range recs {
			buf = append(buf, rec...)
			buf = append(buf, '\n')
		}
		if len(buf) == 0 {
			return nil
		}
		for _, piece := range engine.Chunk(buf) {
			if err := netx.WriteFull(conn, piece); err != nil {
				return err
			}
		}
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return sent, write(engine.Flush())
		case <-ticker.C:
		}
		symbol := opt.symbols[rng.Intn(len(opt.symbols))]
		bid, ask := walk.step(symbol)
		rec := map[string]any{
			"symbol":     symbol,
			"bid":        bid,
			"ask":        ask,
			"volume":     float64(1 + rng.Intn(20)),
			"time":       time.Now().UnixMilli(),
			"client":     source,
			"broker":     origin,
			"provenance": opt.provenance,
		}
		b, err := sonic.ConfigFastest.Marshal(rec)
		if err != nil {
			return sent, err
		}
		if err := write(engine.Process(b)); err != nil {
			return sent, err
		}
		sent++
	}
}

type walk struct {
	mid map[string]float64
	rng *rand.Rand
}

func newWalk(symbols []string, rng *rand.Rand) *walk {
	w := &walk{mid: make(map[string]float64, len(symbols)), rng: rng}
	for _, s := range symbols {
		p, ok := basePrices[s]
		if !ok {
			p = 1.0
		}
		w.mid[s] = p
	}
	return w
}

func (w *walk) step(symbol string) (bid, ask float64) {
	mid := w.mid[symbol]
	tick := mid * 0.00002
	mid += tick * w.rng.NormFloat64()
	w.mid[symbol] = mid
	half := tick * (0.5 + w.rng.Float64())
	decimals := 5.0
	if mid > 50 {
		decimals = 3
	}
	scale := math.Pow(10, decimals)
	return math.Round((mid-half)*scale) / scale, math.Round((mid+half)*scale) / scale
}
