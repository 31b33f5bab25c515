/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */

package main

import (
	"fmt"
	"os"

	"github.com/johanix/adns/adns"
)

var appVersion = "v0.9.0"
var appDate = "unreleased"

func main() {
	var conf adns.Config
	conf.AppName = "adnsd"
	conf.AppVersion = appVersion
	conf.AppDate = appDate

	err := adns.MainInit(&conf)
	if err != nil {
		fmt.Fprintf(os.Stderr, "adnsd: %v\n", err)
		os.Exit(1)
	}

	if err := adns.MainLoop(&conf); err != nil {
		fmt.Fprintf(os.Stderr, "adnsd: fatal: %v\n", err)
		os.Exit(2)
	}
}
