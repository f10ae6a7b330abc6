package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"

	"tickrelay/internal/model"
	"tickrelay/internal/resolver"
)

const usage = `usage:
  signals add   -log data/signals.jsonl -instrument EURUSD -direction long -entry 1.1 -stop 1.098 -target 1.105
  signals stats -log data/signals.jsonl [-horizon final|30m|60m|240m]
  signals list  -log data/signals.jsonl [-pending]`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	var err error
	switch os.Args[1] {
	case "add":
		err = add(os.Args[2:])
	case "stats":
		err = stats(os.Args[2:])
	case "list":
		err = list(os.Args[2:])
	default:
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "signals %s: %v\n", os.Args[1], err)
		os.Exit(1)
	}
}

func add(args []string) error {
	fs := flag.NewFlagSet("add", flag.ExitOnError)
	logPath := fs.String("log", resolver.DefaultConfig().LogPath, "signal log")
	id := fs.String("id", "", "signal id (default: random uuid)")
	instrument := fs.String("instrument", "", "instrument code")
	direction := fs.String("direction", "", "long|short")
	entry := fs.Float64("entry", 0, "entry price")
	stop := fs.Float64("stop", 0, "stop price")
	target := fs.Float64("target", 0, "target price")
	if err := fs.Parse(args); err != nil {
		return err
	}
	dir, ok := model.ParseDirection(*direction)
	if !ok {
		return fmt.Errorf("direction %q is not long or short", *direction)
	}
	sig := model.Signal{
		ID:          strings.TrimSpace(*id),
		Instrument:  strings.ToUpper(strings.TrimSpace(*instrument)),
		Direction:   dir,
		EntryPrice:  *entry,
		StopPrice:   *stop,
		TargetPrice: *target,
		CreatedAt:   time.Now().UTC(),
		Status:      model.StatusPending,
	}
	if sig.ID == "" {
		sig.ID = uuid.NewString()
	}
	store, err := resolver.NewStore(*logPath)
	if err != nil {
		return err
	}
	if err := store.Append(sig); err != nil {
		return err
	}
	fmt.Println(sig.ID)
	return nil
}

func stats(args []string) error {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	logPath := fs.String("log", resolver.DefaultConfig().LogPath, "signal log")
	horizon := fs.String("horizon", resolver.FinalHorizon, "final or a horizon label")
	if err := fs.Parse(args); err != nil {
		return err
	}
	store, err := resolver.NewStore(*logPath)
	if err != nil {
		return err
	}
	sigs, err := store.Load()
	if err != nil {
		return err
	}
	return printJSON(resolver.Summarise(sigs, *horizon))
}

func list(args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	logPath := fs.String("log", resolver.DefaultConfig().LogPath, "signal log")
	pendingOnly := fs.Bool("pending", false, "only pending signals")
	if err := fs.Parse(args); err != nil {
		return err
	}
	store, err := resolver.NewStore(*logPath)
	if err != nil {
		return err
	}
	sigs, err := store.Load()
	if err != nil {
		return err
	}
	for _, s := range sigs {
		if *pendingOnly && s.IsTerminal() {
			continue
		}
		move := "-"
		if s.RealizedMove != nil {
			move = fmt.Sprintf("%+.1f", *s.RealizedMove)
		}
		fmt.Printf("%-36s %-8s %-5s %-8s %-10s %s\n", s.ID, s.Instrument, s.Direction, s.Status, s.Outcome, move)
	}
	if n := store.Skipped(); n > 0 {
		fmt.Fprintf(os.Stderr, "%d malformed lines skipped\n", n)
	}
	return nil
}

func printJSON(v any) error {
	b, err := sonic.ConfigStd.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}
