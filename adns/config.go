/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */

package adns

import (
	"log"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/spf13/viper"
)

type Config struct {
	AppName          string
	AppVersion       string
	AppDate          string
	ServerBootTime   time.Time
	ServerConfigTime time.Time
	Service          ServiceConf
	DnsEngine        DnsEngineConf
	ApiServer        ApiServerConf
	Xfr              XfrConf
	Keys             KeyConf
	Db               DbConf
	Log              struct {
		File string `validate:"required"`
	}
	Internal InternalConf
}

type ServiceConf struct {
	Name     string `validate:"required"`
	Version  string // answer to version.server CH TXT; empty refuses
	Identity string // answer to id.server CH TXT; empty refuses
	Debug    *bool
	Verbose  *bool
}

type DnsEngineConf struct {
	Addresses []string `validate:"required"`
	Workers   int      // listener sets per address (SO_REUSEPORT)
}

type ApiServerConf struct {
	Addresses []string
	ApiKey    string
	CertFile  string
	KeyFile   string
}

// XfrConf tunes the transfer coordinator. Zero values fall back to the
// defaults below.
type XfrConf struct {
	DbFile        string // compiled image the daemon serves from
	JournalDir    string // per-zone journals, default alongside DbFile
	ZoneListFile  string
	TcpSlots      int    // concurrent inbound transfers
	MaxRounds     int    // full master passes before backing off
	MinRetry      uint32 // floor on SOA retry, seconds
	NotifyRetries uint64
	NotifyTimeout time.Duration
	ReloadEvery   time.Duration // how often committed journal entries are folded in
}

const (
	DefaultTcpSlots      = 10
	DefaultMaxRounds     = 3
	DefaultMinRetry      = 60
	DefaultNotifyRetries = 5
	DefaultNotifyTimeout = 15 * time.Second
	DefaultReloadEvery   = 60 * time.Second
)

type KeyConf struct {
	Tsig []TsigConf
}

type TsigConf struct {
	Name      string
	Algorithm string
	Secret    string
	Addresses []string // peers this key signs traffic with
}

type DbConf struct {
	File string
}

// InternalConf is the runtime context threaded through the engines: the
// zone registry, the live store and the channels that connect the
// goroutines. Nothing in here comes from the config file.
type InternalConf struct {
	CfgFile       string
	PidFile       string
	Registry      *ZoneRegistry
	Store         *ZoneStore
	StateDB       *StateDB
	TsigSecrets   map[string]string // keyname -> secret, dns.Server/Transfer form
	TsigDetails   map[string]*TsigDetails
	APIStopCh     chan struct{}
	StopCh        chan struct{}
	StopOnce      sync.Once
	Stats         *ServerStats
	RefreshZoneCh chan ZoneRefresher
	XfrdNotifyQ   chan XfrdNotify
	DnsNotifyQ    chan DnsNotifyRequest
	NotifyQ       chan NotifyRequest
	ReloadQ       chan string // zone names with freshly committed journal data
}

// ZoneRegistry holds the configured zones, keyed by apex name. It is
// carried inside Config.Internal and passed to the engines explicitly so
// that tools can run several registries side by side.
type ZoneRegistry struct {
	Z cmap.ConcurrentMap[string, *ZoneData]
}

func NewZoneRegistry() *ZoneRegistry {
	return &ZoneRegistry{Z: cmap.New[*ZoneData]()}
}

func (zr *ZoneRegistry) Get(name string) (*ZoneData, bool) {
	return zr.Z.Get(name)
}

func (zr *ZoneRegistry) Set(name string, zd *ZoneData) {
	zr.Z.Set(name, zd)
}

func (zr *ZoneRegistry) Remove(name string) {
	zr.Z.Remove(name)
}

func (zr *ZoneRegistry) Keys() []string {
	return zr.Z.Keys()
}

func (zr *ZoneRegistry) Count() int {
	return zr.Z.Count()
}

func (zr *ZoneRegistry) Items() map[string]*ZoneData {
	return zr.Z.Items()
}

// ZoneStore hands out the record snapshot the query engine serves from.
// Reloads install a complete new NameDB under the lock; readers only
// fetch the pointer, so in-flight queries finish on the old snapshot.
type ZoneStore struct {
	mu sync.RWMutex
	db *NameDB
}

func NewZoneStore(db *NameDB) *ZoneStore {
	return &ZoneStore{db: db}
}

func (s *ZoneStore) Current() *NameDB {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db
}

func (s *ZoneStore) Install(db *NameDB) {
	s.mu.Lock()
	s.db = db
	s.mu.Unlock()
}

func ValidateConfig(v *viper.Viper, cfgfile string) error {
	var config Config

	if v == nil {
		if err := viper.Unmarshal(&config); err != nil {
			log.Fatalf("ValidateConfig: Unmarshal error: %v", err)
		}
	} else {
		if err := v.Unmarshal(&config); err != nil {
			log.Fatalf("ValidateConfig: Unmarshal error: %v", err)
		}
	}

	var configsections = make(map[string]interface{}, 5)

	configsections["log"] = config.Log
	configsections["service"] = config.Service
	configsections["dnsengine"] = config.DnsEngine

	if err := ValidateBySection(&config, configsections, cfgfile); err != nil {
		log.Fatalf("Config %q is missing required attributes:\n%v\n", cfgfile, err)
	}
	return nil
}

func ValidateBySection(config *Config, configsections map[string]interface{}, cfgfile string) error {
	validate := validator.New()

	for k, data := range configsections {
		log.Printf("%s: validating config section %s\n", strings.ToUpper(config.AppName), k)
		if err := validate.Struct(data); err != nil {
			log.Fatalf("%s: Config %s, section %s: missing required attributes:\n%v\n",
				strings.ToUpper(config.AppName), cfgfile, k, err)
		}
	}
	return nil
}

// FillXfrDefaults replaces zero tuning values with the defaults.
func (conf *Config) FillXfrDefaults() {
	if conf.Xfr.JournalDir == "" {
		conf.Xfr.JournalDir = DefaultJournalDir
	}
	if conf.Xfr.TcpSlots <= 0 {
		conf.Xfr.TcpSlots = DefaultTcpSlots
	}
	if conf.Xfr.MaxRounds <= 0 {
		conf.Xfr.MaxRounds = DefaultMaxRounds
	}
	if conf.Xfr.MinRetry == 0 {
		conf.Xfr.MinRetry = DefaultMinRetry
	}
	if conf.Xfr.NotifyRetries == 0 {
		conf.Xfr.NotifyRetries = DefaultNotifyRetries
	}
	if conf.Xfr.NotifyTimeout == 0 {
		conf.Xfr.NotifyTimeout = DefaultNotifyTimeout
	}
	if conf.Xfr.ReloadEvery == 0 {
		conf.Xfr.ReloadEvery = DefaultReloadEvery
	}
}
