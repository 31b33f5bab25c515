/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package main

import (
	"github.com/johanix/adns/adns"
	"github.com/johanix/adns/adns-cli/cmd"
)

var appName = "adns-cli"
var appVersion = "v0.9.0"
var appDate = "unreleased"

func main() {
	adns.Globals.App.Name = appName
	adns.Globals.App.Version = appVersion
	adns.Globals.App.Date = appDate
	cmd.Execute()
}
