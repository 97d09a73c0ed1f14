package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	_ "asyntrain/linreg"
	"asyntrain/trainer"
	"asyntrain/util"
)

func main() {
	configPath := flag.String("config", "", "worker config file (.json or .yaml)")
	id := flag.Uint("id", 0, "worker id, overrides the config")
	coordAddr := flag.String("coord", "", "coordinator control address, overrides the config")
	flag.Parse()

	var config trainer.WorkerConfig
	if *configPath != "" {
		err := util.ReadConfig(*configPath, &config)
		util.CheckErr(err, "Error reading worker config: %v\n", err)
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "id":
			config.WorkerId = uint32(*id)
		case "coord":
			config.CoordAddr = *coordAddr
		}
	})
	if config.CoordAddr == "" {
		fmt.Fprintln(os.Stderr, "usage: ./bin/worker -coord HOST:PORT [-id N] [-config FILE]")
		os.Exit(2)
	}

	logFile, err := util.SetupLogging(config.LogFile)
	util.CheckErr(err, "Error opening log file: %v\n", err)
	defer logFile.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := trainer.NewWorker(config).Run(ctx); err != nil {
		log.Printf("main.go: worker failed: %v\n", err)
		logFile.Close()
		os.Exit(1)
	}
}
