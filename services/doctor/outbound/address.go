// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package outbound

import (
	"net/netip"
	"regexp"
	"strings"
)

// blockedPrefixes are never reachable except through a verified local
// endpoint, and then only the loopback ranges.
var blockedPrefixes = mustPrefixes(
	"0.0.0.0/8",
	"10.0.0.0/8",
	"100.64.0.0/10",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"172.16.0.0/12",
	"192.0.0.0/24",
	"192.0.2.0/24",
	"192.168.0.0/16",
	"198.18.0.0/15",
	"198.51.100.0/24",
	"203.0.113.0/24",
	"224.0.0.0/4",
	"240.0.0.0/4",
	"::/128",
	"::1/128",
	"64:ff9b::/96",
	"100::/64",
	"2001:db8::/32",
	"fc00::/7",
	"fe80::/10",
	"ff00::/8",
)

// metadataHosts are cloud metadata names refused before resolution.
var metadataHosts = map[string]bool{
	"metadata":                   true,
	"metadata.google.internal":   true,
	"metadata.goog":              true,
	"metadata.azure.internal":    true,
	"instance-data":              true,
	"instance-data.ec2.internal": true,
}

// numericHost catches integer, octal and hex IPv4 spellings that some
// resolvers accept ("2130706433", "0x7f.1", "017700000001").
var numericHost = regexp.MustCompile(`^(?i)(0x[0-9a-f]+|[0-9]+)(\.(0x[0-9a-f]+|[0-9]+)){0,3}$`)

func mustPrefixes(cidrs ...string) []netip.Prefix {
	out := make([]netip.Prefix, 0, len(cidrs))
	for _, c := range cidrs {
		out = append(out, netip.MustParsePrefix(c))
	}
	return out
}

// Blocked reports whether addr lies in a range outbound calls may not reach.
// IPv4-mapped IPv6 addresses are checked as their IPv4 form.
func Blocked(addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, p := range blockedPrefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func isMetadataHost(host string) bool {
	return metadataHosts[strings.TrimSuffix(strings.ToLower(host), ".")]
}

// ambiguousIP reports hosts that are not canonical dotted-quad literals but
// may still be read as an IPv4 address.
func ambiguousIP(host string) bool {
	if _, err := netip.ParseAddr(host); err == nil {
		return false
	}
	return numericHost.MatchString(host)
}
