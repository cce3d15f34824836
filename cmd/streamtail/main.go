// Command streamtail hydrates one run over SSE and prints its snapshot.
// On a dropped connection it prints the best partial snapshot instead of
// discarding it.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/leegmoore/cody-stream/internal/hydrate"
	"github.com/leegmoore/cody-stream/internal/transport"
)

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "streamd base URL")
	from := flag.String("from", "", "resume cursor")
	timeout := flag.Duration("timeout", 60*time.Second, "overall hydration deadline")
	flag.Parse()

	runID := flag.Arg(0)
	if runID == "" {
		fmt.Fprintln(os.Stderr, "usage: streamtail [flags] <run-id>")
		os.Exit(2)
	}

	h := hydrate.New(*baseURL, nil, *timeout)
	snap, err := h.Run(context.Background(), runID, transport.Cursor(*from))

	var connErr *hydrate.ConnectionError
	switch {
	case err == nil:
	case errors.As(err, &connErr):
		fmt.Fprintf(os.Stderr, "connection dropped at cursor %s: %v\n", connErr.Cursor, connErr.Err)
		snap = connErr.Snapshot
	case errors.Is(err, hydrate.ErrStreamTimeout):
		fmt.Fprintln(os.Stderr, "timed out waiting for terminal event; printing partial state")
		snap = h.Snapshot()
	default:
		log.Fatalf("hydration failed: %v", err)
	}

	if snap == nil {
		fmt.Fprintln(os.Stderr, "no state received")
		os.Exit(1)
	}
	out, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		log.Fatalf("marshal snapshot: %v", err)
	}
	fmt.Println(string(out))
}
