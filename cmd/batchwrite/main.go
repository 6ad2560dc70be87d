// Copyright 2016 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/BurntSushi/toml"
	"github.com/pingcap/log"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/batchwrite/coordinator/config"
)

var (
	configPath string
	conf       = config.DefaultConf
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "batchwrite",
		Short: "Batch-write coordinator: commit a compute engine's dataset into a sharded KV store",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig()
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file in TOML format")

	rootCmd.AddCommand(newWriteCommand())

	sc := make(chan os.Signal, 1)
	signal.Notify(sc, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	go func() {
		sig := <-sc
		fmt.Printf("\ngot signal [%v], exiting\n", sig)
		os.Exit(1)
	}()

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(rootCmd.UsageString())
		os.Exit(1)
	}
}

func loadConfig() error {
	if configPath != "" {
		if _, err := toml.DecodeFile(configPath, &conf); err != nil {
			return err
		}
	}
	initLogger()
	return nil
}

func initLogger() {
	cfg := &log.Config{Level: conf.LogLevel, File: log.FileLogConfig{Filename: conf.LogFile}}
	logger, props, err := log.InitLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	log.ReplaceGlobals(logger, props)
	log.Info("[batchwrite] logger initialized", zap.String("level", conf.LogLevel))
}
