package main

import (
	"context"
	"errors"
	"os"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		// The failed job was already reported with its message.
		if errors.Is(err, errJobFailed) {
			os.Exit(1)
		}

		exitOnError(err)
	}
}
