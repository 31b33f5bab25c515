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
	"sort"
	"strings"

	"github.com/johanix/adns/adns"
	"github.com/miekg/dns"
	"github.com/ryanuber/columnize"
	"github.com/spf13/cobra"
)

var showfile, shownotify, showmasters bool
var addFile string
var addMasters, addNotify []string

var ZoneCmd = &cobra.Command{
	Use:   "zone",
	Short: "Prefix command, not useable by itself",
}

var zoneListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all zones known to adnsd",
	Run: func(cmd *cobra.Command, args []string) {

		cr, err := SendZoneCommand(adns.Globals.Api, adns.ZonePost{
			Command: "list",
		})
		if err != nil {
			fmt.Printf("Error: %s\n", err.Error())
			os.Exit(1)
		}

		if cr.Msg != "" {
			fmt.Printf("%s\n", cr.Msg)
		}
		hdr := "Zone|Type|State|Serial|Acquired|"
		if showmasters {
			hdr += "Masters|"
		}
		if shownotify {
			hdr += "Notify|"
		}
		if showfile {
			hdr += "Zonefile|"
		}
		hdr = strings.TrimSuffix(hdr, "|")

		names := make([]string, 0, len(cr.Zones))
		for zname := range cr.Zones {
			names = append(names, zname)
		}
		sort.Strings(names)

		out := []string{}
		if adns.Globals.ShowHeaders {
			out = append(out, hdr)
		}
		for _, zname := range names {
			zconf := cr.Zones[zname]
			state := zconf.State
			if state == "" {
				state = "-"
			}
			acquired := "-"
			if !zconf.Acquired.IsZero() {
				acquired = zconf.Acquired.Format(adns.TimeLayout)
			}
			line := fmt.Sprintf("%s|%s|%s|%d|%s|", zname, zconf.Type, state,
				zconf.Serial, acquired)
			if showmasters {
				line += fmt.Sprintf("%s|", strings.Join(zconf.Masters, ","))
			}
			if shownotify {
				line += fmt.Sprintf("%s|", strings.Join(zconf.Notify, ","))
			}
			if showfile {
				line += fmt.Sprintf("%s|", zconf.Zonefile)
			}
			out = append(out, strings.TrimSuffix(line, "|"))
		}
		fmt.Printf("%s\n", columnize.SimpleFormat(out))
	},
}

var zoneStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the state of one zone",
	Run: func(cmd *cobra.Command, args []string) {
		zone := requireZone()

		cr, err := SendZoneCommand(adns.Globals.Api, adns.ZonePost{
			Command: "status",
			Zone:    zone,
		})
		if err != nil {
			fmt.Printf("Error: %s\n", err.Error())
			os.Exit(1)
		}

		zconf, ok := cr.Zones[zone]
		if !ok {
			fmt.Printf("Error: no status for zone %s in response from adnsd\n", zone)
			os.Exit(1)
		}
		fmt.Printf("Zone:     %s\n", zconf.Name)
		fmt.Printf("Type:     %s\n", zconf.Type)
		fmt.Printf("Serial:   %d\n", zconf.Serial)
		if zconf.State != "" {
			fmt.Printf("State:    %s\n", zconf.State)
		}
		if !zconf.Acquired.IsZero() {
			fmt.Printf("Acquired: %s\n", zconf.Acquired.Format(adns.TimeLayout))
		}
		if zconf.Zonefile != "" {
			fmt.Printf("Zonefile: %s\n", zconf.Zonefile)
		}
		if len(zconf.Masters) > 0 {
			fmt.Printf("Masters:  %s\n", strings.Join(zconf.Masters, ", "))
		}
		if len(zconf.Notify) > 0 {
			fmt.Printf("Notify:   %s\n", strings.Join(zconf.Notify, ", "))
		}
		if zconf.Error {
			fmt.Printf("Error:    %s\n", zconf.ErrorMsg)
		}
	},
}

var zoneRefreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Ask adnsd to refresh a secondary zone from its masters",
	Run: func(cmd *cobra.Command, args []string) {
		zone := requireZone()

		cr, err := SendZoneCommand(adns.Globals.Api, adns.ZonePost{
			Command: "refresh",
			Zone:    zone,
			Force:   force,
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

var zoneWriteCmd = &cobra.Command{
	Use:   "write",
	Short: "Ask adnsd to write the current zone contents back to the zone file",
	Run: func(cmd *cobra.Command, args []string) {
		zone := requireZone()

		cr, err := SendZoneCommand(adns.Globals.Api, adns.ZonePost{
			Command: "write",
			Zone:    zone,
			Force:   force,
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

var zoneAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a zone to adnsd and the zone list file",
	Run: func(cmd *cobra.Command, args []string) {
		zone := requireZone()
		if addFile == "" {
			fmt.Printf("Error: zone file not specified. Terminating.\n")
			os.Exit(1)
		}

		cr, err := SendZoneCommand(adns.Globals.Api, adns.ZonePost{
			Command:  "addzone",
			Zone:     zone,
			Zonefile: addFile,
			Masters:  addMasters,
			Notify:   addNotify,
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

var zoneDelCmd = &cobra.Command{
	Use:   "del",
	Short: "Remove a zone from adnsd and the zone list file",
	Run: func(cmd *cobra.Command, args []string) {
		zone := requireZone()

		cr, err := SendZoneCommand(adns.Globals.Api, adns.ZonePost{
			Command: "delzone",
			Zone:    zone,
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

func init() {
	ZoneCmd.AddCommand(zoneListCmd, zoneStatusCmd, zoneRefreshCmd, zoneWriteCmd)
	ZoneCmd.AddCommand(zoneAddCmd, zoneDelCmd)

	ZoneCmd.PersistentFlags().BoolVarP(&force, "force", "F", false, "force operation")

	zoneListCmd.Flags().BoolVarP(&showfile, "file", "f", false, "Show zone input file")
	zoneListCmd.Flags().BoolVarP(&shownotify, "notify", "N", false, "Show zone downstream notify addresses")
	zoneListCmd.Flags().BoolVarP(&showmasters, "masters", "M", false, "Show zone master addresses")

	zoneAddCmd.Flags().StringVar(&addFile, "file", "", "Zone file (required)")
	zoneAddCmd.Flags().StringArrayVar(&addMasters, "master", nil, "Master address, repeatable; none means primary zone")
	zoneAddCmd.Flags().StringArrayVar(&addNotify, "notify", nil, "Downstream notify address, repeatable")
}

func requireZone() string {
	if adns.Globals.Zonename == "" {
		fmt.Printf("Error: zone name not specified. Terminating.\n")
		os.Exit(1)
	}
	return dns.Fqdn(adns.Globals.Zonename)
}

func SendZoneCommand(api *adns.Api, data adns.ZonePost) (adns.ZoneResponse, error) {
	var cr adns.ZoneResponse
	bytebuf := new(bytes.Buffer)
	json.NewEncoder(bytebuf).Encode(data)

	status, buf, err := api.Post("/zone", bytebuf.Bytes())
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
