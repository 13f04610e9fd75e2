/*
Package config implements the type to pass the arguments to the node
and implements a function to load the parameters from a configuration file.
*/
package config

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// Config defines a type to describe the configuration.
type Config struct {
	Name                 string
	MaxPool              int
	Network              uint32            // network magic mixed into every message digest
	ClusterAddr          map[string]string // map from name to address
	ClusterPort          map[string]int    // map from name to port
	ClusterAddrWithPorts map[string]uint16 // map from addr:port to validator id
	PublicKeyMap         map[string]ed25519.PublicKey
	PrivateKey           ed25519.PrivateKey
	LogLevel             int
	BatchSize            int
	BaseTimeoutMs        int
	MetricsAddr          string
	SnapshotPath         string
}

// New creates a new variable of type Config for test
func New(name string, maxPool int, network uint32, clusterAddr map[string]string, clusterPort map[string]int,
	clusterAddrWithPorts map[string]uint16, publicKeyMap map[string]ed25519.PublicKey,
	privateKey ed25519.PrivateKey, logLevel int, batchSize int, baseTimeoutMs int) *Config {
	return &Config{
		Name:                 name,
		MaxPool:              maxPool,
		Network:              network,
		ClusterAddr:          clusterAddr,
		ClusterPort:          clusterPort,
		ClusterAddrWithPorts: clusterAddrWithPorts,
		PublicKeyMap:         publicKeyMap,
		PrivateKey:           privateKey,
		LogLevel:             logLevel,
		BatchSize:            batchSize,
		BaseTimeoutMs:        baseTimeoutMs,
	}
}

// ValidatorID parses the numeric id out of a validator name like
// "node3".
func ValidatorID(name string) (uint16, error) {
	idStr := strings.TrimPrefix(name, "node")
	if idStr == name {
		return 0, errors.New("validator name must look like nodeN")
	}
	id, err := strconv.Atoi(idStr)
	if err != nil {
		return 0, err
	}
	return uint16(id), nil
}

// LoadConfig loads configuration files by package viper.
func LoadConfig(configPrefix, configName string) (*Config, error) {
	viperConfig := viper.New()

	// for environment variables
	viperConfig.SetEnvPrefix(configPrefix)
	viperConfig.AutomaticEnv()
	replacer := strings.NewReplacer(".", "_")
	viperConfig.SetEnvKeyReplacer(replacer)
	viperConfig.SetConfigName(configName)
	viperConfig.AddConfigPath("./")
	err := viperConfig.ReadInConfig()
	if err != nil {
		return nil, err
	}

	privKeyEDAsString := viperConfig.GetString("privkeyed")
	privKeyED, err := hex.DecodeString(privKeyEDAsString)
	if err != nil {
		return nil, err
	}

	conf := &Config{
		Name:          viperConfig.GetString("name"),
		MaxPool:       viperConfig.GetInt("max_pool"),
		Network:       viperConfig.GetUint32("network"),
		PrivateKey:    privKeyED,
		LogLevel:      viperConfig.GetInt("log_level"),
		BatchSize:     viperConfig.GetInt("batch_size"),
		BaseTimeoutMs: viperConfig.GetInt("base_timeout_ms"),
		MetricsAddr:   viperConfig.GetString("metrics_addr"),
		SnapshotPath:  viperConfig.GetString("snapshot_path"),
	}

	peersP2PPortMapString := viperConfig.GetStringMap("peers_p2p_port")
	peersIPsMapString := viperConfig.GetStringMap("cluster_ips")
	pubKeyMapString := viperConfig.GetStringMap("cluster_pubkeyed")
	pubKeyMap := make(map[string]ed25519.PublicKey, len(pubKeyMapString))
	clusterAddr := make(map[string]string, len(pubKeyMapString))
	clusterPort := make(map[string]int, len(pubKeyMapString))
	clusterAddrWithPorts := make(map[string]uint16, len(pubKeyMapString))
	for name, pkAsInterface := range pubKeyMapString {
		clusterPort[name] = peersP2PPortMapString[name].(int)
		clusterAddr[name] = peersIPsMapString[name].(string)
		if pkAsString, ok := pkAsInterface.(string); ok {
			pubKey, err := hex.DecodeString(pkAsString)
			if err != nil {
				return nil, err
			}
			pubKeyMap[name] = pubKey
		} else {
			return nil, errors.New("public key in the config file cannot be decoded correctly")
		}
		addrWithPort := peersIPsMapString[name].(string) + ":" + strconv.Itoa(peersP2PPortMapString[name].(int))
		id, err := ValidatorID(name)
		if err != nil {
			return nil, err
		}
		clusterAddrWithPorts[addrWithPort] = id
	}

	conf.PublicKeyMap = pubKeyMap
	conf.ClusterPort = clusterPort
	conf.ClusterAddr = clusterAddr
	conf.ClusterAddrWithPorts = clusterAddrWithPorts
	return conf, nil
}
