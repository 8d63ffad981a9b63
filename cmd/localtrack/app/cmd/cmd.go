/*
Copyright 2023 The Localtrack Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package cmd builds the localtrack command tree: a control-plane server,
// a dispatcher daemon, and a version command.
package cmd

import (
	"io"
	"os"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/localtrack/localtrack/pkg/localtrack/config"
	"github.com/localtrack/localtrack/pkg/localtrack/output/log"
)

var (
	configFile string
	envFile    string
)

// NewRootCommand builds the localtrack CLI.
func NewRootCommand(out, stderr io.Writer) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "localtrack",
		Short:         "localtrack schedules video detection and tracking jobs on local containers",
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cmd.Root().SilenceUsage = true
			if envFile != "" {
				if err := godotenv.Load(envFile); err != nil {
					return err
				}
			} else {
				// Best effort; a missing .env is the common case.
				_ = godotenv.Load()
			}
			return nil
		},
	}
	rootCmd.SetOut(out)
	rootCmd.SetErr(stderr)

	addPersistentFlags(rootCmd.PersistentFlags())

	rootCmd.AddCommand(NewCmdServer())
	rootCmd.AddCommand(NewCmdDaemon())
	rootCmd.AddCommand(NewCmdVersion())
	return rootCmd
}

func addPersistentFlags(fs *pflag.FlagSet) {
	fs.StringVarP(&configFile, "config", "c", "", "path to the localtrack config file (default config.yml, or $LOCALTRACK_CONFIG)")
	fs.StringVar(&envFile, "env-file", "", "path to an env file loaded before the config")
}

// loadConfig parses the config file and applies the log settings.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	if err := log.SetupLogs(cfg.Log.Level, cfg.Log.Format); err != nil {
		return nil, err
	}
	return cfg, nil
}

// fatal logs err to stderr and returns it for cobra to propagate.
func fatal(err error) error {
	logrus.SetOutput(os.Stderr)
	logrus.Error(err)
	return err
}
