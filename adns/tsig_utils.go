/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */

package adns

import (
	"fmt"
	"strings"

	"github.com/miekg/dns"
)

type TsigDetails struct {
	Name      string
	Algorithm string
	Secret    string
	Addresses []string // peers this key signs traffic with
}

// ParseTsigKeys parses the TSIG keys from the configuration and stores
// them in conf.Internal: the secrets in the map form that dns.Server and
// dns.Transfer expect, the details keyed by name, plus an address to
// keyname binding used when zones pick keys for their masters and
// notify targets. Returns the number of keys parsed.
func ParseTsigKeys(keyconf *KeyConf, conf *Config) (int, error) {
	numtsigs := len(keyconf.Tsig)
	if numtsigs == 0 {
		return 0, nil
	}
	conf.Internal.TsigSecrets = make(map[string]string, numtsigs)
	conf.Internal.TsigDetails = make(map[string]*TsigDetails, numtsigs)
	for _, val := range keyconf.Tsig {
		name := dns.Fqdn(strings.ToLower(val.Name))
		if val.Secret == "" {
			return 0, fmt.Errorf("TSIG key %s has no secret", name)
		}
		if _, ok := tsigAlgorithm(val.Algorithm); !ok {
			return 0, fmt.Errorf("TSIG key %s: unknown algorithm %q", name, val.Algorithm)
		}
		conf.Internal.TsigDetails[name] = &TsigDetails{
			Name:      name,
			Algorithm: val.Algorithm,
			Secret:    val.Secret,
			Addresses: val.Addresses,
		}
		conf.Internal.TsigSecrets[name] = val.Secret
	}
	return numtsigs, nil
}

// TsigKeyForAddr returns the name and details of the key bound to the
// peer address, or "" when traffic with that peer is unsigned.
func (conf *Config) TsigKeyForAddr(addr string) (string, *TsigDetails) {
	for name, td := range conf.Internal.TsigDetails {
		for _, a := range td.Addresses {
			if a == addr {
				return name, td
			}
		}
	}
	return "", nil
}

func tsigAlgorithm(alg string) (string, bool) {
	switch strings.ToLower(strings.TrimSuffix(alg, ".")) {
	case "", "hmac-sha256":
		return dns.HmacSHA256, true
	case "hmac-sha1":
		return dns.HmacSHA1, true
	case "hmac-sha224":
		return dns.HmacSHA224, true
	case "hmac-sha384":
		return dns.HmacSHA384, true
	case "hmac-sha512":
		return dns.HmacSHA512, true
	}
	return "", false
}

// TsigAlgorithm maps a configured algorithm string to the fqdn form the
// dns library uses, defaulting to hmac-sha256.
func TsigAlgorithm(alg string) string {
	a, _ := tsigAlgorithm(alg)
	if a == "" {
		a = dns.HmacSHA256
	}
	return a
}
