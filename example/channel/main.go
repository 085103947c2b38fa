package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"os/signal"
	"syscall"
	"time"

	"github.com/ghalamif/Tether"
)

// Reads line-delimited JSON from a TCP feed and fans records out over a channel.
func main() {
	flow, err := tether.Conf("../../data/config.yaml")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sink, records, closeRecords := tether.NewChannelSink("fanout", 32)
	defer closeRecords()

	go fanoutWorker("ingest", records)

	dialer := &net.Dialer{Timeout: 5 * time.Second}
	feed := func(ctx context.Context) (net.Conn, error) { return dialer.DialContext(ctx, "tcp", "localhost:7070") }

	err = flow.
		StreamIN(tether.StreamInReader("tcp-feed", func(ctx context.Context) (io.ReadCloser, error) { return feed(ctx) })).
		Run(ctx, tether.StreamOutSink(sink))
	if err != nil {
		log.Fatalf("runtime error: %v", err)
	}
}

func fanoutWorker(name string, records <-chan *tether.Record) {
	for r := range records {
		fmt.Printf("[%s] epoch=%d seq=%d %d fields at %s\n",
			name, r.Epoch, r.Seq, r.Len(), time.Now().Format(time.RFC3339))
	}
}
