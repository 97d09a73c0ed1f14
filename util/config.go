package util

import (
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"path/filepath"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// ReadConfig decodes filename into config. Files ending in .yaml or .yml are
// read as YAML, everything else as JSON. YAML documents are converted to JSON
// first so both formats use the same field names.
func ReadConfig(filename string, config interface{}) error {
	configData, err := os.ReadFile(filename)
	if err != nil {
		return err
	}
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		configData, err = yamlToJSON(configData)
		if err != nil {
			return fmt.Errorf("config %s: %w", filename, err)
		}
	}
	if err := json.Unmarshal(configData, config); err != nil {
		return fmt.Errorf("config %s: %w", filename, err)
	}
	return nil
}

func yamlToJSON(data []byte) ([]byte, error) {
	var doc interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	doc, err := jsonCompatible(doc)
	if err != nil {
		return nil, err
	}
	return json.Marshal(doc)
}

// jsonCompatible rewrites the map[interface{}]interface{} values yaml.v2
// produces into map[string]interface{}.
func jsonCompatible(v interface{}) (interface{}, error) {
	switch v := v.(type) {
	case map[interface{}]interface{}:
		m := make(map[string]interface{}, len(v))
		for k, val := range v {
			key, ok := k.(string)
			if !ok {
				key = fmt.Sprint(k)
			}
			conv, err := jsonCompatible(val)
			if err != nil {
				return nil, err
			}
			m[key] = conv
		}
		return m, nil
	case []interface{}:
		for i := range v {
			conv, err := jsonCompatible(v[i])
			if err != nil {
				return nil, err
			}
			v[i] = conv
		}
		return v, nil
	default:
		return v, nil
	}
}

func WriteJSONConfig(filename string, config interface{}) error {
	configData, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filename, append(configData, '\n'), 0644)
}

// LoadEnv loads KEY=value pairs from the given files into the environment
// without overriding variables that are already set. Missing files are
// ignored.
func LoadEnv(filenames ...string) error {
	if len(filenames) == 0 {
		filenames = []string{".env"}
	}
	for _, f := range filenames {
		if _, err := os.Stat(f); os.IsNotExist(err) {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return err
		}
	}
	return nil
}

func CheckErr(err error, errfmsg string, fargs ...interface{}) {
	if err != nil {
		fmt.Fprintf(os.Stderr, errfmsg, fargs...)
		os.Exit(1)
	}
}

func DialTCPCustom(localAddr string, remoteAddr string) (*net.TCPConn, error) {
	var laddr *net.TCPAddr

	if localAddr != "" {
		var err error
		laddr, err = net.ResolveTCPAddr("tcp", localAddr)
		if err != nil {
			return nil, fmt.Errorf("could not resolve local address %v: %w", localAddr, err)
		}
	}

	raddr, err := net.ResolveTCPAddr("tcp", remoteAddr)
	if err != nil {
		return nil, fmt.Errorf("could not resolve remote address %v: %w", remoteAddr, err)
	}

	conn, err := net.DialTCP("tcp", laddr, raddr)
	if err != nil {
		return nil, err
	}
	if err := conn.SetNoDelay(true); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// SetupLogging sends the standard logger to stdout and, when filename is not
// empty, appends to filename as well. The logger carries no prefix: every
// message names its coordinator or worker itself, since workers may share one
// process.
func SetupLogging(filename string) (io.Closer, error) {
	log.SetPrefix("")
	if filename == "" {
		log.SetOutput(os.Stdout)
		return io.NopCloser(nil), nil
	}
	logFile, err := os.OpenFile(filename, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	mw := io.MultiWriter(os.Stdout, logFile)
	log.SetOutput(mw)
	return logFile, nil
}

// IPEmptyPortOnly keeps the host of addr and asks for any free port.
func IPEmptyPortOnly(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	if host == "" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, "0")
}
