package main

import (
	"fmt"
	"time"

	"github.com/gitzhang10/dbft/config"
	"github.com/gitzhang10/dbft/consensus"
)

var conf *config.Config
var err error

func init() {
	conf, err = config.LoadConfig("", "config")
	if err != nil {
		panic(err)
	}
}

func main() {
	node, err := consensus.NewNode(conf)
	if err != nil {
		panic(err)
	}
	if err = node.StartP2PListen(); err != nil {
		panic(err)
	}
	// wait for each node to start
	time.Sleep(time.Second * 15)
	if err = node.EstablishP2PConns(); err != nil {
		panic(err)
	}
	if conf.MetricsAddr != "" {
		go func() {
			if err := consensus.ServeMetrics(conf.MetricsAddr, node.MetricsRegistry()); err != nil {
				panic(err)
			}
		}()
	}
	fmt.Println("node starts the dBFT consensus!")
	go node.HandleMsgLoop()
	node.RunLoop()
}
