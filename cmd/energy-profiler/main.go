package main

import (
	"os"

	"k8s.io/component-base/cli"

	"github.com/rgprofiler/energy-profiler/cmd/energy-profiler/app"
)

func main() {
	command := app.NewProfilerCommand()
	code := cli.Run(command)
	os.Exit(code)
}
