// Command xrmsim runs plugin pipeline scenarios and single requests
// against a simulated business platform.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/synesthesia/fake-xrm-easy-plugins/internal/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	err := cli.NewRootCommand().ExecuteContext(ctx)
	stop()
	if err == nil {
		return
	}

	// Commands report their own failures; anything else (bad flags,
	// missing arguments) is printed here.
	var exitErr *cli.ExitError
	if !errors.As(err, &exitErr) {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	os.Exit(cli.GetExitCode(err))
}
