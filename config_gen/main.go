/*
Package main in the directory config_gen implements a tool to read configuration from a template,
and generate customized configuration files for each node.
The generated configuration file particularly contains the public/private ED25519 keys.
*/
package main

import (
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/seafooler/sign_tools"
	"github.com/spf13/viper"
)

func main() {

	viperRead := viper.New()
	// for environment variables
	viperRead.SetEnvPrefix("")
	viperRead.AutomaticEnv()
	replacer := strings.NewReplacer(".", "_")
	viperRead.SetEnvKeyReplacer(replacer)
	viperRead.SetConfigName("config_template")
	viperRead.AddConfigPath("./")
	err := viperRead.ReadInConfig()
	if err != nil {
		panic(err)
	}

	leaderCount := 1  // the number of nodes in first machine
	ProcessCount := 1 // the number of nodes in other machines

	// deal with cluster as a string map
	ClusterMapInterface := viperRead.GetStringMap("IPs")
	clusterMapInterface := make(map[string]string)
	for name, addr := range ClusterMapInterface {
		rs := []rune(name)
		ipIndex, _ := strconv.Atoi(string(rs[4:]))
		if addrAsString, ok := addr.(string); ok {
			for j := 0; j < ProcessCount; j++ {
				if ipIndex == 0 {
					for k := 0; k < leaderCount; k++ {
						suScript := strconv.Itoa(k)
						clusterMapInterface["node"+suScript] = addrAsString
					}
					break
				}
				suScript := strconv.Itoa((ipIndex-1)*ProcessCount + j + leaderCount)
				clusterMapInterface["node"+suScript] = addrAsString
			}
		} else {
			panic("cluster in the config file cannot be decoded correctly")
		}
	}
	nodeNumber := len(ClusterMapInterface)
	clusterMapString := make(map[string]string, nodeNumber)
	clusterName := make([]string, nodeNumber)
	i := 0
	for name, addr := range ClusterMapInterface {
		if addrAsString, ok := addr.(string); ok {
			clusterMapString[name] = addrAsString
			clusterName[i] = name
			i++
		} else {
			panic("cluster in the config file cannot be decoded correctly")
		}
	}
	sort.Strings(clusterName)

	// deal with p2p_listen_port as a string map
	P2pPortMapInterface := viperRead.GetStringMap("peers_p2p_port")
	if nodeNumber != len(P2pPortMapInterface) {
		panic("p2p_listen_port does not match with cluster")
	}
	p2pPortMapInterface := make(map[string]int)
	mapNameToP2PPort := make(map[string]int, nodeNumber)
	for name := range clusterMapString {
		portAsInterface, ok := P2pPortMapInterface[name]
		if !ok {
			panic("p2p_listen_port does not match with cluster")
		}
		if portAsInt, ok := portAsInterface.(int); ok {
			mapNameToP2PPort[name] = portAsInt
			rs := []rune(name)
			ipIndex, _ := strconv.Atoi(string(rs[4:]))
			for j := 0; j < ProcessCount; j++ {
				if ipIndex == 0 {
					for k := 0; k < leaderCount; k++ {
						subScript := strconv.Itoa(k)
						p2pPortMapInterface["node"+subScript] = portAsInt + k*10
					}
					break
				}
				subScript := strconv.Itoa((ipIndex-1)*ProcessCount + j + leaderCount)
				p2pPortMapInterface["node"+subScript] = portAsInt + j*10
			}
		} else {
			panic("p2p_listen_port contains a non-int value")
		}
	}

	// create the ED25519 keys
	privKeysED25519 := make(map[string]string)
	pubKeysED25519 := make(map[string]string)
	TotalNodeNum := (nodeNumber-1)*ProcessCount + leaderCount
	for i := 0; i < TotalNodeNum; i++ {
		privKeyED, pubKeyED := sign_tools.GenED25519Keys()
		subScript := strconv.Itoa(i)
		pubKeysED25519["node"+subScript] = hex.EncodeToString(pubKeyED)
		privKeysED25519["node"+subScript] = hex.EncodeToString(privKeyED)
	}

	// load simple parameter
	maxPool := viperRead.GetInt("max_pool")
	batchSize := viperRead.GetInt("batch_size")
	logLevel := viperRead.GetInt("log_level")
	network := viperRead.GetInt("network")
	baseTimeoutMs := viperRead.GetInt("base_timeout_ms")
	metricsPortBase := viperRead.GetInt("metrics_port_base")

	// write to configure files
	for _, name := range clusterName {
		viperWrite := viper.New()
		var loopCount int
		rs := []rune(name)
		ipIndex, err := strconv.Atoi(string(rs[4:]))
		if err != nil {
			panic("get replicaId failed")
		}
		if ipIndex == 0 {
			loopCount = leaderCount
		} else {
			loopCount = ProcessCount
		}
		for j := 0; j < loopCount; j++ {
			index := strconv.Itoa(j)
			var replicaId int
			if ipIndex == 0 {
				replicaId = j
			} else {
				replicaId = (ipIndex-1)*ProcessCount + j + leaderCount
			}
			viperWrite.SetConfigFile(fmt.Sprintf("%s_%s.yaml", name, index))

			nodeName := "node" + strconv.Itoa(replicaId)
			viperWrite.Set("name", nodeName)
			viperWrite.Set("peers_p2p_port", p2pPortMapInterface)
			viperWrite.Set("max_pool", maxPool)
			viperWrite.Set("batch_size", batchSize)
			viperWrite.Set("PrivKeyED", privKeysED25519[nodeName])
			viperWrite.Set("cluster_pubkeyed", pubKeysED25519)
			viperWrite.Set("log_level", logLevel)
			viperWrite.Set("cluster_ips", clusterMapInterface)
			viperWrite.Set("network", network)
			viperWrite.Set("base_timeout_ms", baseTimeoutMs)
			if metricsPortBase > 0 {
				viperWrite.Set("metrics_addr", ":"+strconv.Itoa(metricsPortBase+replicaId))
			}
			viperWrite.Set("snapshot_path", nodeName+".snapshot")

			_ = viperWrite.WriteConfig()
		}
	}
}
