package main

import (
	"fmt"
	"os"

	"github.com/finisv/finisv/internal/util"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const version = "0.1.0"

var (
	cfgFile     string
	configDir   string
	runDir      string
	socketPath  string
	debugAddr   string
	logLevelStr string
	bootLevel   int
)

// rootCmd is the finisv PID-1-and-supervisor entrypoint, grounded on the
// cobra/viper root-command wiring in yairfalse-tapio's internal/cli
// (PersistentFlags bound into viper, cobra.OnInitialize loading a config
// file before RunE fires).
var rootCmd = &cobra.Command{
	Use:   "finisv",
	Short: "finisv is a SysV/BSD-style init and service supervisor",
	Long: `finisv supervises services described by a directory of .conf files,
tracking condition facts, runlevels, and service state, speaking a small
binary control protocol to finisvctl over a UNIX socket.

When started as PID 1 it also performs early console and subreaper setup
and executes the final reboot/halt syscall once every service has stopped.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runSupervisor,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the finisv version and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println("finisv version " + version)
		return nil
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate-config",
	Short: "Parse the configuration directory and report errors without starting",
	RunE:  runValidateConfig,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "viper config file (default $HOME/.finisv.yaml)")
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", "/etc/finisv.d", "service description directory")
	rootCmd.PersistentFlags().StringVar(&runDir, "run-dir", util.RunDir, "run directory for condition facts, pidfiles, and the instance lock")
	rootCmd.PersistentFlags().StringVar(&socketPath, "socket-path", "/run/finisv.socket", "control socket path")
	rootCmd.PersistentFlags().StringVar(&debugAddr, "debug-listen", "127.0.0.1:8870", "loopback address for the debug HTTP surface")
	rootCmd.PersistentFlags().StringVar(&logLevelStr, "log-level", "info", "log level (debug, info, notice, warn, error)")
	rootCmd.PersistentFlags().IntVar(&bootLevel, "boot-level", -1, "override the configuration's default runlevel")

	_ = viper.BindPFlag("config-dir", rootCmd.PersistentFlags().Lookup("config-dir"))
	_ = viper.BindPFlag("run-dir", rootCmd.PersistentFlags().Lookup("run-dir"))
	_ = viper.BindPFlag("socket-path", rootCmd.PersistentFlags().Lookup("socket-path"))
	_ = viper.BindPFlag("debug-listen", rootCmd.PersistentFlags().Lookup("debug-listen"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(validateCmd)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath("/etc")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".finisv")
	}

	viper.SetEnvPrefix("FINISV")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		if v := viper.GetString("config-dir"); v != "" {
			configDir = v
		}
		if v := viper.GetString("run-dir"); v != "" {
			runDir = v
		}
		if v := viper.GetString("socket-path"); v != "" {
			socketPath = v
		}
		if v := viper.GetString("debug-listen"); v != "" {
			debugAddr = v
		}
		if v := viper.GetString("log-level"); v != "" {
			logLevelStr = v
		}
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "finisv:", err)
		os.Exit(1)
	}
}
