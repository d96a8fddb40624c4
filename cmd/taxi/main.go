package main

import (
	"os"

	"github.com/oowenn/NYC-Taxi-Analysis/internal/cli"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	os.Exit(int(cli.Run(version + " (" + commit + ", " + date + ")")))
}
