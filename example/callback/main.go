package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/ghalamif/Tether"
)

func main() {
	flow, err := tether.Conf("../../data/config.yaml")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	callback := func(r *tether.Record) error {
		fmt.Printf("%s epoch=%d seq=%d fields=%v\n",
			r.CapturedAt.Format(time.RFC3339Nano),
			r.Epoch,
			r.Seq,
			r.Fields,
		)
		return nil
	}

	events := func(ev tether.Event) {
		if ev.Kind == tether.EventStateTransition {
			fmt.Printf("state %s -> %s\n", ev.From, ev.To)
		}
	}

	err = flow.Run(ctx,
		tether.StreamOutCallback("print", callback),
		tether.StreamOutEvents(events),
	)
	if err != nil {
		log.Fatalf("runtime error: %v", err)
	}
}
