package main

import (
	"fmt"
	"os"

	"asyntrain/util"
)

func main() {
	if len(os.Args) < 2 || len(os.Args) > 3 || os.Args[1] != "sync" {
		fmt.Println("usage: ./bin/config sync [dir]")
		fmt.Println("example ./bin/config sync config")
		return
	}
	dir := "config"
	if len(os.Args) == 3 {
		dir = os.Args[2]
	}
	if err := util.SynchronizeConfigs(dir); err != nil {
		fmt.Println("Failed to synchronize config files", err)
		os.Exit(1)
	}
}
