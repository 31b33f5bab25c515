/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */

package adns

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/miekg/dns"
)

const notifyExchangeTimeout = 5 * time.Second

// Notifier drains the outbound NOTIFY queue. Targets of one request are
// worked in parallel, requests in order.
func Notifier(conf *Config, stopch chan struct{}) error {
	notifyq := conf.Internal.NotifyQ

	log.Printf("*** NotifierEngine: starting")
	for {
		select {
		case <-stopch:
			log.Println("NotifierEngine: terminating")
			return nil
		case nr, ok := <-notifyq:
			if !ok {
				log.Println("NotifierEngine: terminating due to notifyq closed")
				return nil
			}
			zd, found := conf.Internal.Registry.Get(nr.ZoneName)
			if !found {
				log.Printf("NotifierEngine: NOTIFY request for unknown zone %s ignored", nr.ZoneName)
				continue
			}

			log.Printf("NotifierEngine: Zone %s: notifying %d downstreams of serial %d",
				nr.ZoneName, len(nr.Targets), nr.Serial)

			var wg sync.WaitGroup
			for _, dst := range nr.Targets {
				wg.Add(1)
				go func(dst string) {
					defer wg.Done()
					if err := zd.SendNotify(conf, dst); err != nil {
						log.Printf("NotifierEngine: zone %s: %v", nr.ZoneName, err)
					}
				}(dst)
			}
			wg.Wait()

			if nr.Response != nil {
				nr.Response <- NotifyResponse{Zone: nr.ZoneName, Msg: "OK"}
			}
		}
	}
}

// SendNotify tells one downstream about the zone's current serial,
// retrying on a fixed interval until the configured attempt budget is
// spent. NOERROR and NOTIMP both end the exchange.
func (zd *ZoneData) SendNotify(conf *Config, dst string) error {
	if zd.ZoneName == "." {
		return fmt.Errorf("error: zone name not specified, ignoring notify request")
	}

	attempt := 0
	op := func() error {
		attempt++
		m := new(dns.Msg)
		m.SetNotify(zd.ZoneName)
		m.Authoritative = true
		if z := conf.Internal.Store.Current().Zone(zd.ZoneName); z != nil {
			if soa, err := z.ApexSOA(); err == nil {
				m.Answer = []dns.RR{soa}
			}
		}
		secrets := zd.tsigSign(conf, dst, m)

		c := &dns.Client{Net: "udp", Timeout: notifyExchangeTimeout, TsigSecret: secrets}
		res, _, err := c.Exchange(m, dst)
		if err != nil {
			log.Printf("SendNotify: zone %s to %s (attempt %d): %v", zd.ZoneName, dst, attempt, err)
			return err
		}
		switch res.Rcode {
		case dns.RcodeSuccess, dns.RcodeNotImplemented:
			if Globals.Verbose {
				log.Printf("SendNotify: zone %s: %s answered %s", zd.ZoneName, dst, dns.RcodeToString[res.Rcode])
			}
			return nil
		}
		log.Printf("SendNotify: zone %s to %s (attempt %d): rcode %s",
			zd.ZoneName, dst, attempt, dns.RcodeToString[res.Rcode])
		return fmt.Errorf("rcode %s", dns.RcodeToString[res.Rcode])
	}

	retries := conf.Xfr.NotifyRetries
	if retries > 0 {
		retries--
	}
	bo := backoff.WithMaxRetries(backoff.NewConstantBackOff(conf.Xfr.NotifyTimeout), retries)
	if err := backoff.Retry(op, bo); err != nil {
		return fmt.Errorf("no usable answer from %s after %d attempts: %v", dst, attempt, err)
	}
	return nil
}
