// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Command zerocp-router runs the C5 routing daemon. It accepts no
// mandatory arguments; SIGINT/SIGTERM request graceful shutdown, and it
// exits nonzero if it fails to create its shared-memory segment or bind
// its control socket.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"code.hybscloud.com/zerocp/obslog"
	"code.hybscloud.com/zerocp/router"
)

func main() {
	os.Exit(run())
}

func run() int {
	logger := obslog.New(obslog.Config{Component: "zerocp-router", Pretty: isTerminal()})

	d, err := router.NewDaemon(router.Config{Logger: logger})
	if err != nil {
		fmt.Fprintf(os.Stderr, "zerocp-router: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := d.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "zerocp-router: %v\n", err)
		return 1
	}
	return 0
}

func isTerminal() bool {
	info, err := os.Stderr.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}
