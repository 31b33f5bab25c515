/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package adns

import (
	"fmt"
	"net"
)

type AppDetails struct {
	Name    string
	Version string
	Date    string
}

type GlobalStuff struct {
	App         AppDetails
	Verbose     bool
	Debug       bool
	Zonename    string // CLI commands operating on one zone
	Api         *Api
	PingCount   int
	ShowHeaders bool // -H in various CLI commands
	Port        uint16
	Address     string
}

var Globals = GlobalStuff{
	Verbose: false,
	Debug:   false,
}

func (gs *GlobalStuff) Validate() error {
	if gs.Port > 65535 {
		return fmt.Errorf("invalid port number: %d", gs.Port)
	}
	if gs.Address != "" {
		if net.ParseIP(gs.Address) == nil {
			return fmt.Errorf("invalid address format: %s", gs.Address)
		}
	}
	return nil
}
