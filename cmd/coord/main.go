package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	_ "asyntrain/linreg"
	"asyntrain/trainer"
	"asyntrain/util"

	"github.com/gin-gonic/gin"
)

func main() {
	configPath := flag.String("config", "config/coord_config.json", "coordinator config file (.json or .yaml)")
	envPath := flag.String("env", ".env", "file with checkpoint backend secrets")
	flag.Parse()

	err := util.LoadEnv(*envPath)
	util.CheckErr(err, "Error loading %s: %v\n", *envPath, err)

	var config trainer.CoordConfig
	err = util.ReadConfig(*configPath, &config)
	util.CheckErr(err, "Error reading coord config: %v\n", err)

	logFile, err := util.SetupLogging(config.LogFile)
	util.CheckErr(err, "Error opening log file: %v\n", err)
	defer logFile.Close()
	gin.SetMode(gin.ReleaseMode)

	log.Printf("main.go: args: %v\n", os.Args)

	var launcher trainer.Launcher
	if config.WorkerBinary != "" {
		launcher = trainer.NewProcessLauncher(config.WorkerBinary, config.WorkerConfigPath)
	} else {
		log.Printf("main.go: no WorkerBinary configured, workers must be started by hand\n")
	}

	coord, err := trainer.NewCoord(config, launcher, nil, trainer.NewConsole(os.Stdin, os.Stdout))
	util.CheckErr(err, "Error creating coordinator: %v\n", err)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = coord.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("main.go: coordinator failed: %v\n", err)
		logFile.Close()
		os.Exit(1)
	}
	log.Printf("main.go: coordinator exited\n")
}
