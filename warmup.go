package main

import (
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"
)

// Preflight checks the network path to the shop right before a watch:
// resolve the shop host against each configured resolver, then send one
// warm HEAD request. Failures only warn. A degraded network report should
// never keep the watcher from trying.
func Preflight(config *Config, log *logrus.Logger) {
	host := shopHost(config.ShopURL)
	if host == "" {
		log.Warnf("Preflight skipped: no host in shop URL %q", config.ShopURL)
		return
	}

	resolved := false
	for _, server := range config.DNSServers {
		ips, rtt, err := resolveHost(host, server)
		if err != nil {
			log.Warnf("DNS preflight: %s via %s failed: %v", host, server, err)
			continue
		}
		resolved = true
		log.Infof("DNS preflight: %s via %s -> %v (%v)", host, server, ips, rtt.Round(time.Millisecond))
	}
	if !resolved && len(config.DNSServers) > 0 {
		log.Warnf("DNS preflight: no resolver answered for %s", host)
	}

	warmShop(config, log)
}

func resolveHost(host, server string) ([]string, time.Duration, error) {
	client := &dns.Client{Timeout: 3 * time.Second}

	msg := &dns.Msg{}
	msg.SetQuestion(dns.Fqdn(host), dns.TypeA)
	msg.RecursionDesired = true

	resp, rtt, err := client.Exchange(msg, server)
	if err != nil {
		return nil, 0, err
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, rtt, fmt.Errorf("query returned %s", dns.RcodeToString[resp.Rcode])
	}

	var ips []string
	for _, rr := range resp.Answer {
		if a, ok := rr.(*dns.A); ok {
			ips = append(ips, a.A.String())
		}
	}
	if len(ips) == 0 {
		return nil, rtt, fmt.Errorf("no A records for %s", host)
	}
	return ips, rtt, nil
}

// warmShop sends one HEAD request so the TLS handshake and any CDN cache
// fill happen before the clock matters, and reports the round trip.
func warmShop(config *Config, log *logrus.Logger) {
	client := &http.Client{Timeout: 10 * time.Second}

	req, err := http.NewRequest(http.MethodHead, config.ShopURL, nil)
	if err != nil {
		log.Warnf("Shop warm-up skipped: %v", err)
		return
	}
	req.Header.Set("User-Agent", browserUserAgent)

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		log.Warnf("Shop warm-up request failed: %v", err)
		return
	}
	resp.Body.Close()

	log.Infof("Shop answered HTTP %d in %v", resp.StatusCode, time.Since(start).Round(time.Millisecond))
}

func shopHost(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
