package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"stemflow/internal/services"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		if errors.Is(err, context.Canceled) {
			os.Exit(130)
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		if errors.Is(err, services.ErrConfiguration) {
			fmt.Fprintln(os.Stderr, "Hint: run `stemflow config validate` or `stemflow config init` to start from a sample")
		}
		os.Exit(1)
	}
}
