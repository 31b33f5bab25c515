/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */

package adns

import (
	"log"

	"gopkg.in/natefinch/lumberjack.v2"
)

func SetupLogging(logfile string) error {

	log.SetFlags(log.Lshortfile | log.Ltime)

	if logfile != "" {
		log.SetOutput(&lumberjack.Logger{
			Filename:   logfile,
			MaxSize:    20,
			MaxBackups: 3,
			MaxAge:     14,
		})
	} else {
		log.Fatalf("Error: standard log (key log.file) not specified")
	}

	return nil
}

// LogReopen swaps the log output to a fresh lumberjack handle on the
// same file, so an operator can rotate logs out from under the daemon.
func LogReopen(logfile string) {
	if logfile == "" {
		return
	}
	log.SetOutput(&lumberjack.Logger{
		Filename:   logfile,
		MaxSize:    20,
		MaxBackups: 3,
		MaxAge:     14,
	})
	log.Printf("log file %s reopened", logfile)
}

// SetupCliLogging drops timestamps for CLI output unless verbose or
// debug mode asks for file/line info.
func SetupCliLogging() {
	if Globals.Verbose || Globals.Debug {
		log.SetFlags(log.Lshortfile | log.Ltime)
	} else {
		log.SetFlags(0)
	}
}
