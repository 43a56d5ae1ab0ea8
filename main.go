package main

import (
	"os"

	"github.com/charmbracelet/log"
	"github.com/spf13/pflag"

	"github.com/sdrkit/quadriga/core/app"
	"github.com/sdrkit/quadriga/core/cfg"
	"github.com/sdrkit/quadriga/core/control"
)

func main() {
	os.Exit(run())
}

func run() int {
	configFile := pflag.StringP("config", "c", cfg.DefaultFilename, "Configuration file name.")
	controlPipe := pflag.String("control-pipe", control.DefaultPipePath, "Path of the receiver control pipe.")
	pflag.Parse()

	// stdout carries the frame stream, all logging goes to stderr
	log.SetLevel(log.DebugLevel)

	configuration, err := cfg.Load(*configFile)
	if err != nil {
		log.Error("configuration could not be loaded, exiting", "error", err)
		return -1
	}
	log.SetLevel(logLevel(configuration.LogLevel))

	log.Info("config successfully loaded", "file", *configFile)
	log.Info("starting multichannel coherent receiver",
		"channels", configuration.NumCh,
		"samplesPerChannel", configuration.DAQBufferSize)
	if configuration.EnNoiseSourceCtr {
		log.Info("noise source control: enabled")
	} else {
		log.Info("noise source control: disabled")
	}

	if err := app.Run(configuration, os.Stdout, *controlPipe); err != nil {
		log.Error("acquisition failed", "error", err)
		return -1
	}
	log.Info("all the resources are free now")
	return 0
}

// logLevel maps the numeric log_level configuration value (trace=0 …
// fatal=5) onto the logger's levels.
func logLevel(level int) log.Level {
	switch level {
	case 0, 1:
		return log.DebugLevel
	case 2:
		return log.InfoLevel
	case 3:
		return log.WarnLevel
	case 4:
		return log.ErrorLevel
	default:
		return log.FatalLevel
	}
}
