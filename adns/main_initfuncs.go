/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */

package adns

import (
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// serverOpts are the command line overrides of the daemon. Anything not
// given on the command line comes from the config file.
type serverOpts struct {
	port       string
	addresses  []string
	ip4only    bool
	ip6only    bool
	workers    int
	dbfile     string
	pidfile    string
	foreground bool
	verbosity  int
}

// MainInit parses flags and config, builds the initial serving snapshot
// and starts all engines. On return the server is answering queries.
func MainInit(conf *Config) error {
	conf.ServerBootTime = time.Now()
	conf.ServerConfigTime = time.Now()

	var opts serverOpts
	pflag.StringVarP(&conf.Internal.CfgFile, "config", "c", DefaultServerCfgFile, "config file path")
	pflag.StringVarP(&opts.port, "port", "p", "", "listen port (overrides config)")
	pflag.StringArrayVarP(&opts.addresses, "address", "a", nil, "listen address ip[@port], repeatable (overrides config)")
	pflag.BoolVarP(&opts.ip4only, "ip4-only", "4", false, "serve on IPv4 addresses only")
	pflag.BoolVarP(&opts.ip6only, "ip6-only", "6", false, "serve on IPv6 addresses only")
	pflag.IntVarP(&opts.workers, "workers", "n", 0, "listener sets per address (overrides config)")
	pflag.StringVarP(&opts.dbfile, "dbfile", "f", "", "zone image to serve from (overrides config)")
	pflag.StringVarP(&opts.pidfile, "pidfile", "P", "", "write the daemon pid to this file")
	pflag.BoolVarP(&opts.foreground, "foreground", "d", false, "stay in the foreground, log to stderr")
	pflag.IntVarP(&opts.verbosity, "verbosity", "V", 0, "verbosity level (0, 1 or 2)")
	pflag.Parse()

	if opts.verbosity < 0 || opts.verbosity > 2 {
		return fmt.Errorf("bad verbosity level %d (must be 0, 1 or 2)", opts.verbosity)
	}
	Globals.Verbose = Globals.Verbose || opts.verbosity >= 1
	Globals.Debug = Globals.Debug || opts.verbosity >= 2

	fmt.Printf("*** %s starting (verbose: %t, debug: %t)\n",
		conf.AppName, Globals.Verbose, Globals.Debug)

	err := ParseConfig(conf, false)
	if err != nil {
		return fmt.Errorf("error parsing config %q: %v", conf.Internal.CfgFile, err)
	}

	if err := applyServerOpts(conf, &opts); err != nil {
		return err
	}

	if !opts.foreground {
		logfile := viper.GetString("log.file")
		err = SetupLogging(logfile)
		if err != nil {
			return fmt.Errorf("error setting up logging: %v", err)
		}
		fmt.Printf("Logging to file: %s\n", logfile)
	}

	err = Globals.Validate()
	if err != nil {
		return fmt.Errorf("error validating globals: %v", err)
	}

	if opts.pidfile != "" {
		if err := writePidFile(opts.pidfile); err != nil {
			return fmt.Errorf("cannot write pid file %s: %v", opts.pidfile, err)
		}
		conf.Internal.PidFile = opts.pidfile
	}

	fmt.Printf("%s version %s starting.\n", conf.AppName, conf.AppVersion)

	conf.Internal.StopCh = make(chan struct{})
	conf.Internal.APIStopCh = make(chan struct{})
	conf.Internal.RefreshZoneCh = make(chan ZoneRefresher, 10)
	conf.Internal.XfrdNotifyQ = make(chan XfrdNotify, 10)
	conf.Internal.DnsNotifyQ = make(chan DnsNotifyRequest, 100)
	conf.Internal.NotifyQ = make(chan NotifyRequest, 10)
	conf.Internal.ReloadQ = make(chan string, 10)

	// The first snapshot is built before anything listens: image or zone
	// files, journals replayed, uncommitted journal tails rolled back.
	if err := RebuildZoneStore(conf, nil, true); err != nil {
		return fmt.Errorf("cannot build initial zone snapshot: %v", err)
	}

	stopch := conf.Internal.StopCh
	go XfrdEngine(conf, stopch)
	go Notifier(conf, stopch)
	go NotifyHandler(conf, stopch)
	go DnsEngine(conf)

	if len(conf.ApiServer.Addresses) > 0 {
		router, err := SetupAPIRouter(conf)
		if err != nil {
			return fmt.Errorf("cannot set up API router: %v", err)
		}
		if err := APIdispatcher(conf, router, conf.Internal.APIStopCh); err != nil {
			return fmt.Errorf("error starting API dispatcher: %v", err)
		}
	} else {
		log.Printf("MainInit: no API addresses configured, control channel disabled")
	}

	// With the coordinator running, fold the zone list into the registry
	// and queue every zone for its first refresh.
	_, err = ParseZones(conf, false)
	if err != nil {
		return fmt.Errorf("error parsing zones: %v", err)
	}

	return nil
}

// applyServerOpts folds the command line overrides into the parsed
// config.
func applyServerOpts(conf *Config, opts *serverOpts) error {
	if opts.ip4only && opts.ip6only {
		return fmt.Errorf("both -4 and -6 given, pick one")
	}
	if len(opts.addresses) > 0 {
		var addrs []string
		for _, a := range opts.addresses {
			addr, err := normalizeAddr(a)
			if err != nil {
				return fmt.Errorf("bad listen address %q: %v", a, err)
			}
			addrs = append(addrs, addr)
		}
		conf.DnsEngine.Addresses = addrs
	}
	if opts.port != "" {
		if p, err := strconv.Atoi(opts.port); err != nil || p < 1 || p > 65535 {
			return fmt.Errorf("bad port %q", opts.port)
		}
		for i, a := range conf.DnsEngine.Addresses {
			host, _, err := net.SplitHostPort(a)
			if err != nil {
				return fmt.Errorf("bad listen address %q: %v", a, err)
			}
			conf.DnsEngine.Addresses[i] = net.JoinHostPort(host, opts.port)
		}
	}
	if opts.ip4only || opts.ip6only {
		var addrs []string
		for _, a := range conf.DnsEngine.Addresses {
			host, _, err := net.SplitHostPort(a)
			if err != nil {
				return fmt.Errorf("bad listen address %q: %v", a, err)
			}
			ip := net.ParseIP(host)
			if ip == nil {
				addrs = append(addrs, a) // hostname, resolves per family
				continue
			}
			if opts.ip4only == (ip.To4() != nil) {
				addrs = append(addrs, a)
			}
		}
		if len(addrs) == 0 {
			return fmt.Errorf("no listen addresses left after address family filter")
		}
		conf.DnsEngine.Addresses = addrs
	}
	if opts.workers > 0 {
		conf.DnsEngine.Workers = opts.workers
	}
	if opts.dbfile != "" {
		conf.Xfr.DbFile = opts.dbfile
	}
	return nil
}

func writePidFile(path string) error {
	return os.WriteFile(path, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0644)
}

// MainLoop blocks until the daemon is told to stop, by signal or by the
// control API. A non-nil return means the server died on an error
// rather than an orderly stop.
func MainLoop(conf *Config) error {
	exit := make(chan os.Signal, 1)
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	hupper := make(chan os.Signal, 1)
	signal.Notify(hupper, syscall.SIGHUP)

	defer signal.Stop(exit)
	defer signal.Stop(hupper)

	var ret error
	var wg sync.WaitGroup
	wg.Add(1)

	go func() {
		defer wg.Done()
		for {
			select {
			case <-exit:
				log.Println("mainloop: Exit signal received. Cleaning up.")
				return
			case <-hupper:
				log.Println("mainloop: SIGHUP received. Reloading zone list and refreshing all configured zones.")
				all_zones, err := ParseZones(conf, true)
				if err != nil {
					log.Printf("Error parsing zones: %v", err)
					ret = err
					return
				}
				log.Printf("mainloop: %d zones refreshing after SIGHUP.", len(all_zones))

			case <-conf.Internal.APIStopCh:
				log.Println("mainloop: Stop command received. Cleaning up.")
				return
			}
		}
	}()
	wg.Wait()

	Shutdowner(conf, "mainloop done")
	return ret
}

// Shutdowner winds the engines down and gives in-flight work a moment
// to drain. The caller decides the exit code.
func Shutdowner(conf *Config, msg string) {
	log.Printf("%s: shutting down: %s", conf.AppName, msg)
	close(conf.Internal.StopCh)
	if conf.Internal.PidFile != "" {
		os.Remove(conf.Internal.PidFile)
	}
	time.Sleep(2 * time.Second)
	if conf.Internal.StateDB != nil {
		if err := conf.Internal.StateDB.Close(); err != nil {
			log.Printf("Shutdowner: closing state DB: %v", err)
		}
	}
}
