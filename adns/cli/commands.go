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
	"strconv"

	"github.com/gookit/goutil/dump"
	"github.com/johanix/adns/adns"
	"github.com/ryanuber/columnize"
	"github.com/spf13/cobra"
)

var force bool

var StopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Send stop command to adnsd",
	Run: func(cmd *cobra.Command, args []string) {
		msg, err := SendCommand("stop", ".")
		if err != nil {
			fmt.Printf("Error: %s\n", err.Error())
			os.Exit(1)
		}
		if msg != "" {
			fmt.Printf("%s\n", msg)
		}
	},
}

var StatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Query adnsd for its current status",
	Run: func(cmd *cobra.Command, args []string) {
		cr, err := SendCommandNG(adns.Globals.Api, adns.CommandPost{
			Command: "status",
		})
		if err != nil {
			fmt.Printf("Error: %s\n", err.Error())
			os.Exit(1)
		}
		if cr.Status != "" {
			fmt.Printf("Status: %s\n", cr.Status)
		}
		if cr.Msg != "" {
			fmt.Printf("%s\n", cr.Msg)
		}
	},
}

var StatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Query adnsd for its query and transfer counters",
	Run: func(cmd *cobra.Command, args []string) {
		cr, err := SendCommandNG(adns.Globals.Api, adns.CommandPost{
			Command: "stats",
		})
		if err != nil {
			fmt.Printf("Error: %s\n", err.Error())
			os.Exit(1)
		}
		if cr.Stats == nil {
			fmt.Printf("Error: no statistics in response from adnsd\n")
			os.Exit(1)
		}
		if adns.Globals.Debug {
			dump.P(cr.Stats)
		}
		out := []string{}
		if adns.Globals.ShowHeaders {
			out = append(out, "Uptime|Queries|Notifies|XfrOut|XfrIn")
		}
		out = append(out, fmt.Sprintf("%s|%d|%d|%d|%d", cr.Stats.Uptime,
			cr.Stats.Queries, cr.Stats.Notifies, cr.Stats.XfrOut, cr.Stats.XfrIn))
		fmt.Printf("%s\n", columnize.SimpleFormat(out))
	},
}

var VerbosityCmd = &cobra.Command{
	Use:   "verbosity <level>",
	Short: "Change the adnsd logging verbosity (0, 1 or 2)",
	Run: func(cmd *cobra.Command, args []string) {
		if len(args) != 1 {
			fmt.Printf("Error: verbosity takes exactly one argument (0, 1 or 2)\n")
			os.Exit(1)
		}
		if _, err := strconv.Atoi(args[0]); err != nil {
			fmt.Printf("Error: verbosity level %q is not a number\n", args[0])
			os.Exit(1)
		}
		cr, err := SendCommandNG(adns.Globals.Api, adns.CommandPost{
			Command:    "verbosity",
			SubCommand: args[0],
		})
		if err != nil {
			fmt.Printf("Error: %s\n", err.Error())
			os.Exit(1)
		}
		if cr.Msg != "" {
			fmt.Printf("%s\n", cr.Msg)
		}
	},
}

var LogReopenCmd = &cobra.Command{
	Use:   "log-reopen",
	Short: "Tell adnsd to reopen its log file (for log rotation)",
	Run: func(cmd *cobra.Command, args []string) {
		cr, err := SendCommandNG(adns.Globals.Api, adns.CommandPost{
			Command: "log-reopen",
		})
		if err != nil {
			fmt.Printf("Error: %s\n", err.Error())
			os.Exit(1)
		}
		if cr.Msg != "" {
			fmt.Printf("%s\n", cr.Msg)
		}
	},
}

func SendCommand(cmd, zone string) (string, error) {

	data := adns.CommandPost{
		Command: cmd,
		Zone:    zone,
	}

	bytebuf := new(bytes.Buffer)
	json.NewEncoder(bytebuf).Encode(data)

	status, buf, err := adns.Globals.Api.Post("/command", bytebuf.Bytes())
	if err != nil {
		return "", fmt.Errorf("error from api post: %v", err)
	}
	if adns.Globals.Verbose {
		fmt.Printf("Status: %d\n", status)
	}

	var cr adns.CommandResponse

	err = json.Unmarshal(buf, &cr)
	if err != nil {
		return "", fmt.Errorf("error from unmarshal: %v", err)
	}

	if cr.Error {
		return "", fmt.Errorf("error from adnsd: %s", cr.ErrorMsg)
	}

	return cr.Msg, nil
}

func SendCommandNG(api *adns.Api, data adns.CommandPost) (adns.CommandResponse, error) {
	var cr adns.CommandResponse
	bytebuf := new(bytes.Buffer)
	json.NewEncoder(bytebuf).Encode(data)

	status, buf, err := api.Post("/command", bytebuf.Bytes())
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
