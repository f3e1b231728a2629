// Package hostutil validates host names given on the command line or in
// config files.
package hostutil

import (
	"fmt"
	"net/netip"
	"strings"
)

// ValidateHost accepts an IPv4/IPv6 literal (brackets allowed) or an
// RFC 1123 host name.
func ValidateHost(raw string) error {
	if raw == "" {
		return fmt.Errorf("empty host")
	}

	if ip := strings.TrimSuffix(strings.TrimPrefix(raw, "["), "]"); strings.Contains(ip, ":") {
		if _, err := netip.ParseAddr(ip); err != nil {
			return fmt.Errorf("bad IPv6 %q", raw)
		}
		return nil
	}

	if looksNumeric(raw) {
		if addr, err := netip.ParseAddr(raw); err != nil || !addr.Is4() {
			return fmt.Errorf("bad IPv4 %q", raw)
		}
		return nil
	}

	if !validHostname(raw) {
		return fmt.Errorf("bad hostname %q", raw)
	}
	return nil
}

// looksNumeric reports whether raw is made of digits and dots only.
func looksNumeric(raw string) bool {
	for _, r := range raw {
		if r != '.' && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}

func validHostname(raw string) bool {
	if len(raw) > 253 {
		return false
	}
	for _, label := range strings.Split(strings.TrimSuffix(raw, "."), ".") {
		if len(label) < 1 || len(label) > 63 || label[0] == '-' || label[len(label)-1] == '-' {
			return false
		}
		for _, r := range label {
			if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-') {
				return false
			}
		}
	}
	return true
}
