// Command fakevps runs the in-process fake VPS from testutil as a
// standalone server, for trying the CLI and gateway without a real worker.
//
// Usage: go run ./cmd/fakevps --api-key dev-key
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tonimelisma/vps-go/testutil"
)

// lifecycle adapts a process to the Helper/Cleanup interface the fake
// server expects from a test.
type lifecycle struct {
	cleanups []func()
}

func (l *lifecycle) Helper() {}

func (l *lifecycle) Cleanup(f func()) {
	l.cleanups = append(l.cleanups, f)
}

func (l *lifecycle) run() {
	for i := len(l.cleanups) - 1; i >= 0; i-- {
		l.cleanups[i]()
	}
}

func main() {
	apiKey := flag.String("api-key", "dev-key", "API key the fake accepts")
	tokenTTL := flag.Duration("token-ttl", time.Hour, "lifetime of issued bearer tokens")
	noStream := flag.Bool("no-stream", false, "answer 404 on the progress stream endpoint")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	lc := &lifecycle{}
	defer lc.run()

	f := testutil.NewFakeServer(lc, *apiKey)
	f.SetTokenTTL(*tokenTTL)
	f.DisableStream(*noStream)

	fmt.Printf("fake VPS listening on %s\n", f.URL)
	fmt.Printf("  export VPS_BASE_URL=%s VPS_API_KEY=%s\n", f.URL, *apiKey)

	<-ctx.Done()

	fmt.Fprintln(os.Stderr, "shutting down")
}
