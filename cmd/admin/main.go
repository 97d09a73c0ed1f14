package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"asyntrain/trainer"
	"asyntrain/util"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/encoding/protojson"
)

type AdminConfig struct {
	CoordAdminAddr string
	TimeoutMs      int
}

var methods = map[string]string{
	trainer.OP_STATUS: "Status",
	trainer.OP_SAVE:   "Save",
	trainer.OP_GRAD:   "Gradient",
	trainer.OP_QUIT:   "Quit",
}

func usage() {
	fmt.Println("usage: ./bin/admin [status|save|grad|quit] [config]")
	fmt.Println("example ./bin/admin status config/admin_config.json")
}

func main() {
	if len(os.Args) < 2 || len(os.Args) > 3 {
		usage()
		return
	}
	method, ok := methods[strings.ToLower(os.Args[1])]
	if !ok {
		usage()
		return
	}
	configPath := "config/admin_config.json"
	if len(os.Args) == 3 {
		configPath = os.Args[2]
	}

	var config AdminConfig
	err := util.ReadConfig(configPath, &config)
	util.CheckErr(err, "Error reading admin config: %v\n", err)
	timeout := 10 * time.Second
	if config.TimeoutMs > 0 {
		timeout = time.Duration(config.TimeoutMs) * time.Millisecond
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	conn, err := grpc.DialContext(ctx, config.CoordAdminAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	util.CheckErr(err, "Error connecting to coord at %s: %v\n", config.CoordAdminAddr, err)
	defer conn.Close()

	reply, err := trainer.NewAdminClient(conn).Call(ctx, method)
	util.CheckErr(err, "Error calling %s: %v\n", method, err)
	out, err := protojson.MarshalOptions{Multiline: true}.Marshal(reply)
	util.CheckErr(err, "Error formatting reply: %v\n", err)
	fmt.Println(string(out))
}
