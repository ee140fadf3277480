package config

import (
	"encoding/json"
	"log"
	"os"

	"github.com/google/uuid"
	"gopkg.in/yaml.v2"
)

type RegionServer struct {
	LogLevel   string `json:"log_level" yaml:"log_level"`
	NodeName   string `json:"node_name" yaml:"node_name"`
	Host       string `json:"host" yaml:"host"`
	Port       string `json:"port" yaml:"port"`
	QdbAddr    string `json:"qdb_addr" yaml:"qdb_addr"`
	DataFolder string `json:"data_folder" yaml:"data_folder"`

	// TestingNoCluster disables all coordination-service and catalog side
	// effects. Used by tests.
	TestingNoCluster bool `json:"testing_nocluster" yaml:"testing_nocluster"`

	// MergeOpenLogIntervalMs is the reporter log cadence while opening a
	// merged region.
	MergeOpenLogIntervalMs int64 `json:"merge_open_log_interval_ms" yaml:"merge_open_log_interval_ms"`
}

const defaultMergeOpenLogIntervalMs = 10000

var cfgRegionServer = RegionServer{
	MergeOpenLogIntervalMs: defaultMergeOpenLogIntervalMs,
}

func LoadRegionServerCfg(cfgPath string) error {
	file, err := os.Open(cfgPath)
	if err != nil {
		return err
	}
	defer file.Close()

	if err := yaml.NewDecoder(file).Decode(&cfgRegionServer); err != nil {
		return err
	}
	if cfgRegionServer.MergeOpenLogIntervalMs <= 0 {
		cfgRegionServer.MergeOpenLogIntervalMs = defaultMergeOpenLogIntervalMs
	}
	if cfgRegionServer.NodeName == "" {
		cfgRegionServer.NodeName = uuid.NewString()
	}

	configBytes, err := json.MarshalIndent(cfgRegionServer, "", "  ")
	if err != nil {
		return err
	}
	log.Println("Running config:", string(configBytes))
	return nil
}

func RegionServerConfig() *RegionServer {
	return &cfgRegionServer
}
