/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/johanix/adns/adns"
	"github.com/spf13/cobra"
)

var ConfigCmd = &cobra.Command{
	Use:   "config",
	Short: "Prefix command, not useable by itself",
}

var configReloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Send config reload command to adnsd",
	Run: func(cmd *cobra.Command, args []string) {
		resp, err := SendConfigCommand(adns.Globals.Api, adns.ConfigPost{
			Command: "reload",
		})

		if err != nil {
			fmt.Printf("Error: %s\n", err.Error())
			os.Exit(1)
		}
		if resp.Error {
			fmt.Printf("Error from adnsd: %s\n", resp.ErrorMsg)
			os.Exit(1)
		}

		if resp.Msg != "" {
			fmt.Printf("%s\n", resp.Msg)
		}
	},
}

var configReloadZonesCmd = &cobra.Command{
	Use:   "reload-zones",
	Short: "Send reload-zones command to adnsd",
	Run: func(cmd *cobra.Command, args []string) {
		resp, err := SendConfigCommand(adns.Globals.Api, adns.ConfigPost{
			Command: "reload-zones",
		})

		if err != nil {
			fmt.Printf("Error: %s\n", err.Error())
			os.Exit(1)
		}
		if resp.Error {
			fmt.Printf("Error from adnsd: %s\n", resp.ErrorMsg)
			os.Exit(1)
		}

		if resp.Msg != "" {
			fmt.Printf("%s\n", resp.Msg)
		}
	},
}

var configStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Send config status command to adnsd",
	Run: func(cmd *cobra.Command, args []string) {
		resp, err := SendConfigCommand(adns.Globals.Api, adns.ConfigPost{
			Command: "status",
		})

		if err != nil {
			fmt.Printf("Error: %s\n", err.Error())
			os.Exit(1)
		}
		if resp.Error {
			fmt.Printf("Error from adnsd: %s\n", resp.ErrorMsg)
			os.Exit(1)
		}

		if adns.Globals.Verbose {
			if len(resp.DnsEngine.Addresses) > 0 {
				fmt.Printf("DnsEngine: listening on %v\n", resp.DnsEngine.Addresses)
			} else {
				fmt.Printf("DnsEngine: not listening on any addresses\n")
			}
			if len(resp.ApiServer.Addresses) > 0 {
				fmt.Printf("ApiServer: listening on %v\n", resp.ApiServer.Addresses)
			} else {
				fmt.Printf("ApiServer: not listening on any addresses\n")
			}
			if resp.ApiServer.ApiKey != "" {
				fmt.Printf("ApiServer: api key (%d characters): %s***%s\n",
					len(resp.ApiServer.ApiKey), resp.ApiServer.ApiKey[:3],
					resp.ApiServer.ApiKey[len(resp.ApiServer.ApiKey)-3:])
			} else {
				fmt.Printf("ApiServer: api key is not set\n")
			}
		}

		if resp.Msg != "" {
			fmt.Printf("%s\n", resp.Msg)
		}
	},
}

func init() {
	ConfigCmd.AddCommand(configReloadCmd, configReloadZonesCmd, configStatusCmd)
}

func SendConfigCommand(api *adns.Api, data adns.ConfigPost) (adns.ConfigResponse, error) {
	var cr adns.ConfigResponse
	bytebuf := new(bytes.Buffer)
	json.NewEncoder(bytebuf).Encode(data)

	status, buf, err := api.Post("/config", bytebuf.Bytes())
	if err != nil {
		log.Println("Error from Api Post:", err)
		return cr, fmt.Errorf("error from api post: %v", err)
	}
	if adns.Globals.Verbose {
		fmt.Printf("Status: %d\n", status)
	}

	err = json.Unmarshal(buf, &cr)
	if err != nil {
		return cr, fmt.Errorf("error from unmarshal: %v", err)
	}

	if cr.Error {
		return cr, fmt.Errorf("error from adnsd: %s", cr.ErrorMsg)
	}

	return cr, nil
}
