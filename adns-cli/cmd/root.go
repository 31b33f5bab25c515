/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package cmd

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/johanix/adns/adns"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "adns-cli",
	Short: "adns-cli is a tool used to interact with the adnsd nameserver via API",
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	cobra.CheckErr(rootCmd.Execute())
}

func init() {
	cobra.OnInitialize(initConfig, initApi)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		fmt.Sprintf("config file (default is %s)", adns.DefaultCliCfgFile))
	rootCmd.PersistentFlags().StringVarP(&adns.Globals.Zonename, "zone", "z", "", "zone name")

	rootCmd.PersistentFlags().BoolVarP(&adns.Globals.Debug, "debug", "d",
		false, "debug output")
	rootCmd.PersistentFlags().BoolVarP(&adns.Globals.Verbose, "verbose", "v",
		false, "verbose output")
	rootCmd.PersistentFlags().BoolVarP(&adns.Globals.ShowHeaders, "headers", "H",
		false, "show headers")
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		// Use config file from the flag.
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigFile(adns.DefaultCliCfgFile)
	}

	viper.AutomaticEnv() // read in environment variables that match

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err == nil {
		if adns.Globals.Verbose {
			fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
		}
	} else {
		log.Fatalf("Could not load config %s: Error: %v", viper.ConfigFileUsed(), err)
	}
}

func initApi() {
	baseurl := viper.GetString("cli.adnsd.baseurl")
	apikey := viper.GetString("cli.adnsd.apikey")
	authmethod := viper.GetString("cli.adnsd.authmethod")

	adns.Globals.Api = adns.NewClient("adnsd", baseurl, apikey, authmethod, "insecure",
		adns.Globals.Verbose, adns.Globals.Debug)
	if adns.Globals.Api == nil {
		log.Fatalf("initApi: failed to set up API client for adnsd. Exiting.")
	}
}
