package util

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

/*
	The coordinator config fields needed here are read by name rather than
	through trainer.CoordConfig: asyntrain/trainer imports asyntrain/util.
*/

const (
	COORD_CONFIG = "coord_config.json"
	WORKERS      = "worker"
	ADMIN        = "admin"
)

// SynchronizeConfigs points every worker and admin config in dir at the
// addresses in the coordinator config. Unknown fields are preserved.
func SynchronizeConfigs(dir string) error {
	files, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	var coord map[string]interface{}
	if err := ReadConfig(GetConfigPath(dir, COORD_CONFIG), &coord); err != nil {
		return err
	}
	workerAddr, _ := coord["WorkerAPIListenAddr"].(string)
	adminAddr, _ := coord["AdminAPIListenAddr"].(string)

	for _, file := range files {
		filename := file.Name()
		if filepath.Ext(filename) != ".json" {
			continue
		}

		var field, addr string
		switch {
		case IsWorkerConfig(filename):
			field, addr = "CoordAddr", workerAddr
		case IsAdminConfig(filename):
			field, addr = "CoordAdminAddr", adminAddr
		default:
			continue
		}
		if addr == "" {
			return fmt.Errorf("%s: coordinator config has no address for %s", filename, field)
		}

		var cfg map[string]interface{}
		if err := ReadConfig(GetConfigPath(dir, filename), &cfg); err != nil {
			return err
		}
		if cfg == nil {
			cfg = make(map[string]interface{})
		}
		cfg[field] = addr
		if err := WriteJSONConfig(GetConfigPath(dir, filename), cfg); err != nil {
			return err
		}
	}
	return nil
}

func IsAdminConfig(filename string) bool {
	return strings.HasPrefix(filename, ADMIN)
}

func IsWorkerConfig(filename string) bool {
	return strings.HasPrefix(filename, WORKERS)
}

func GetConfigPath(dir, filename string) string {
	return filepath.Join(dir, filename)
}
