/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */

package main

import (
	"fmt"
	"log"
	"os"

	flag "github.com/spf13/pflag"

	"github.com/johanix/adns/adns"
)

var appVersion = "v0.9.0"

func main() {
	var verbose bool
	var dbfile, chdir string

	flag.BoolVarP(&verbose, "verbose", "v", false, "Verbose compiler output")
	flag.StringVarP(&dbfile, "dbfile", "f", adns.DefaultDbFile, "Database image to write")
	flag.StringVarP(&chdir, "chdir", "d", "", "Change to directory before reading zone files")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "usage: zonec [-v] [-f dbfile] [-d dir] zone-list-file\n")
		os.Exit(1)
	}
	listfile := flag.Arg(0)

	logger := log.New(os.Stderr, "zonec: ", 0)
	if verbose {
		logger.Printf("version %s, compiling %s", appVersion, listfile)
	}

	entries, err := adns.ReadZoneList(listfile)
	if err != nil {
		logger.Printf("cannot read zone list %s: %v", listfile, err)
		os.Exit(1)
	}

	if chdir != "" {
		if err := os.Chdir(chdir); err != nil {
			logger.Printf("cannot chdir to %s: %v", chdir, err)
			os.Exit(1)
		}
	}

	cc := adns.NewCompileCtx(logger)
	cc.Verbose = verbose
	cc.CompileZoneList(entries)
	if cc.Errors > 0 {
		logger.Printf("%d errors, database not written", cc.Errors)
		os.Exit(1)
	}

	if err := cc.DB.Seal(); err != nil {
		logger.Printf("sealing database: %v", err)
		os.Exit(1)
	}
	if err := cc.DB.WriteImage(dbfile); err != nil {
		logger.Printf("writing %s: %v", dbfile, err)
		os.Exit(1)
	}

	if verbose {
		for _, z := range cc.DB.ZoneList {
			if z.SOA != nil {
				logger.Printf("zone %s compiled, serial %d", z.Name, z.Serial())
			} else {
				logger.Printf("zone %s empty, awaiting transfer", z.Name)
			}
		}
	}
	logger.Printf("%d zones compiled into %s", len(cc.DB.ZoneList), dbfile)
}
