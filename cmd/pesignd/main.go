// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/saferwall/pesignd/internal/daemon"
	"github.com/saferwall/pesignd/internal/log"
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pesignd",
		Short: "Authenticode and kernel-module signing daemon",
		RunE:  run,
	}

	defaults := daemon.DefaultConfig()
	flags := cmd.Flags()
	flags.String("socket", defaults.SocketPath, "path to the Unix domain socket to listen on")
	flags.String("pidfile", defaults.PIDFile, "path to write the daemon's pid")
	flags.String("user", defaults.User, "user to run as after dropping privileges")
	flags.String("group", defaults.Group, "group to run as after dropping privileges")
	flags.String("pkcs11-module", defaults.PKCS11Module, "path to the PKCS#11 module backing the key provider")
	flags.String("default-nickname", defaults.DefaultNickname, "certificate nickname used when a request names none")
	flags.Bool("sha1", defaults.ComputeSHA1, "also compute and embed a SHA-1 Authenticode digest alongside SHA-256")
	flags.String("log-level", defaults.LogLevel, "debug, info, warn, error, or fatal")
	flags.String("config-dir", "", "directory to read pesignd.yaml from, in addition to flags and environment")

	_ = viper.BindPFlags(flags)
	return cmd
}

func loadConfig(cmd *cobra.Command) daemon.Config {
	if dir := viper.GetString("config-dir"); dir != "" {
		viper.SetConfigName("pesignd")
		viper.AddConfigPath(dir)
		if err := viper.ReadInConfig(); err != nil {
			logrus.Warnf("config: %v", err)
		}
	}
	viper.SetEnvPrefix("pesignd")
	viper.AutomaticEnv()

	return daemon.Config{
		SocketPath:      viper.GetString("socket"),
		PIDFile:         viper.GetString("pidfile"),
		User:            viper.GetString("user"),
		Group:           viper.GetString("group"),
		PKCS11Module:    viper.GetString("pkcs11-module"),
		DefaultNickname: viper.GetString("default-nickname"),
		ComputeSHA1:     viper.GetBool("sha1"),
		LogLevel:        viper.GetString("log-level"),
	}
}

func levelFromString(s string) log.Level {
	switch s {
	case "debug":
		return log.LevelDebug
	case "warn":
		return log.LevelWarn
	case "error":
		return log.LevelError
	case "fatal":
		return log.LevelFatal
	default:
		return log.LevelInfo
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg := loadConfig(cmd)

	base := logrus.New()
	base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	logger := log.NewHelper(log.NewFilter(log.NewLogrusLogger(base), log.FilterLevel(levelFromString(cfg.LogLevel))))

	if err := daemon.Run(cfg, logger); err != nil {
		return fmt.Errorf("pesignd: %w", err)
	}
	return nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
