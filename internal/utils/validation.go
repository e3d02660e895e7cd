package utils

import (
	"net"
	"regexp"
	"strings"
)

// NameRegex matches deployment and host names. They end up in remote file
// names, so separators and whitespace are excluded.
var NameRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// DomainRegex is a loose hostname check: dot separated labels of letters,
// digits and dashes.
var DomainRegex = regexp.MustCompile(`^([A-Za-z0-9]([A-Za-z0-9-]*[A-Za-z0-9])?\.)*[A-Za-z0-9]([A-Za-z0-9-]*[A-Za-z0-9])?$`)

// AddressRegex matches a 20 byte hex account address with its 0x prefix.
var AddressRegex = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// IsValidName checks if the given name is safe to embed in a remote path.
func IsValidName(name string) bool {
	return NameRegex.MatchString(name) && name != "." && name != ".."
}

// IsValidDomain checks if domain looks like a hostname.
func IsValidDomain(domain string) bool {
	return len(domain) <= 253 && DomainRegex.MatchString(domain)
}

// IsOneOf checks if the value is one of the allowed options.
func IsOneOf(value string, allowed ...string) bool {
	for _, a := range allowed {
		if value == a {
			return true
		}
	}
	return false
}

// IsValidPort checks if the port is within lawful range
func IsValidPort(port int) bool {
	return port > 0 && port <= 65535
}

// IsAbsolutePath reports whether p is an absolute POSIX path. Remote paths
// are always POSIX, whatever the local OS.
func IsAbsolutePath(p string) bool {
	return strings.HasPrefix(p, "/")
}

// IsValidAddress checks if addr is a hex account address such as
// 0x8eB0f73A356d2083aaEceE9794719f14b0898671.
func IsValidAddress(addr string) bool {
	return AddressRegex.MatchString(addr)
}

// IsValidIP checks if ip is a literal IPv4 or IPv6 address.
func IsValidIP(ip string) bool {
	return net.ParseIP(ip) != nil
}
