package main

import (
	"github.com/procwatch/restrack/internal/cli"
	"github.com/procwatch/restrack/internal/metrics"
)

func main() {
	metrics.EmitBuildInfo()
	cli.Execute()
}
