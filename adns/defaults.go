/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package adns

const (
	DefaultServerCfgFile = "/etc/adns/adnsd.yaml"
	DefaultCliCfgFile    = "/etc/adns/adns-cli.yaml"

	DefaultZoneListFile = "/etc/adns/zones.list"
	DefaultDbFile       = "/var/lib/adns/adns.db"
	DefaultStateDbFile  = "/var/lib/adns/state.sqlite"
	DefaultJournalDir   = "/var/lib/adns/journal"

	TimeLayout = "2006-01-02 15:04:05"
)
