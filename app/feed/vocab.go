package feed

import (
	"net/netip"
	"strings"
)

// STIX 2.1 well-known TLP marking definitions.
var TLPMarkings = map[TLP]string{
	TLPWhite: "marking-definition--613f2e26-407d-48c7-9eca-b8e91df99dc9",
	TLPGreen: "marking-definition--34098fce-860f-48ae-8e50-ebd3cc5e41da",
	TLPAmber: "marking-definition--f88d31f6-486f-44da-b317-01333bde0b82",
	TLPRed:   "marking-definition--5e57c739-391a-4eb3-b6be-7d15ca92d5ed",
}

// ParseTLP accepts "amber", "TLP:AMBER", "tlp:amber+strict" and the like.
func ParseTLP(s string) (TLP, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimPrefix(s, "tlp:")
	s, _, _ = strings.Cut(s, "+")
	switch s {
	case "white", "clear":
		return TLPWhite, true
	case "green":
		return TLPGreen, true
	case "amber":
		return TLPAmber, true
	case "red":
		return TLPRed, true
	}
	return "", false
}

func ParseSeverity(s string) (Severity, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "critical", "very high":
		return SeverityCritical, true
	case "high":
		return SeverityHigh, true
	case "medium", "moderate":
		return SeverityMedium, true
	case "low":
		return SeverityLow, true
	case "info", "informational", "none", "undefined":
		return SeverityInfo, true
	}
	return "", false
}

// HashAlgorithm names a hex digest by its length.
func HashAlgorithm(hexDigest string) string {
	switch len(hexDigest) {
	case 32:
		return "MD5"
	case 40:
		return "SHA-1"
	case 64:
		return "SHA-256"
	case 128:
		return "SHA-512"
	}
	return ""
}

// STIXObjectPath is the cyber observable path used in STIX 2 patterns for an
// indicator value.
func STIXObjectPath(t IndicatorType, value string) string {
	switch t {
	case TypeIP:
		if addr, err := netip.ParseAddr(value); err == nil && addr.Is6() && !addr.Is4In6() {
			return "ipv6-addr:value"
		}
		return "ipv4-addr:value"
	case TypeDomain:
		return "domain-name:value"
	case TypeURL:
		return "url:value"
	case TypeEmail:
		return "email-addr:value"
	case TypeHash:
		return "file:hashes.'" + HashAlgorithm(value) + "'"
	case TypeFilename:
		return "file:name"
	}
	return ""
}

// MISPType maps an indicator to the MISP attribute type and category.
func MISPType(t IndicatorType, value string) (typ, category string) {
	switch t {
	case TypeIP:
		return "ip-dst", "Network activity"
	case TypeDomain:
		return "domain", "Network activity"
	case TypeURL:
		return "url", "Network activity"
	case TypeEmail:
		return "email-src", "Payload delivery"
	case TypeHash:
		return strings.ReplaceAll(strings.ToLower(HashAlgorithm(value)), "-", ""), "Payload delivery"
	case TypeFilename:
		return "filename", "Payload delivery"
	case TypeCVE:
		return "vulnerability", "External analysis"
	}
	return "text", "Other"
}

var mispTypes = map[string]IndicatorType{
	"ip-dst": TypeIP, "ip-src": TypeIP, "ip-dst|port": TypeIP, "ip-src|port": TypeIP,
	"domain": TypeDomain, "hostname": TypeDomain, "domain|ip": TypeDomain,
	"url": TypeURL, "uri": TypeURL, "link": TypeURL,
	"email": TypeEmail, "email-src": TypeEmail, "email-dst": TypeEmail,
	"md5": TypeHash, "sha1": TypeHash, "sha256": TypeHash, "sha512": TypeHash,
	"filename|md5": TypeHash, "filename|sha1": TypeHash, "filename|sha256": TypeHash,
	"filename":      TypeFilename,
	"vulnerability": TypeCVE,
	"threat-actor":  TypeName, "malware-type": TypeName, "text": TypeName,
}

// IndicatorTypeFromMISP maps a MISP attribute type back to an indicator type.
func IndicatorTypeFromMISP(typ string) (IndicatorType, bool) {
	t, ok := mispTypes[strings.ToLower(typ)]
	return t, ok
}

// OpenIOCTerm is the Context document/search pair and Content type used for
// an indicator in OpenIOC 1.1.
func OpenIOCTerm(t IndicatorType, value string) (document, search, contentType string) {
	switch t {
	case TypeIP:
		return "PortItem", "PortItem/remoteIP", "IP"
	case TypeDomain:
		return "Network", "Network/DNS", "string"
	case TypeURL:
		return "UrlHistoryItem", "UrlHistoryItem/URL", "string"
	case TypeEmail:
		return "Email", "Email/From", "string"
	case TypeHash:
		switch HashAlgorithm(value) {
		case "SHA-1":
			return "FileItem", "FileItem/Sha1sum", "sha1"
		case "SHA-256":
			return "FileItem", "FileItem/Sha256sum", "sha256"
		}
		return "FileItem", "FileItem/Md5sum", "md5"
	case TypeFilename:
		return "FileItem", "FileItem/FileName", "string"
	}
	return "", "", ""
}

var openIOCSearches = map[string]IndicatorType{
	"portitem/remoteip":  TypeIP,
	"network/dns":        TypeDomain,
	"dnsentryitem/host":  TypeDomain,
	"urlhistoryitem/url": TypeURL,
	"network/uri":        TypeURL,
	"email/from":         TypeEmail,
	"email/to":           TypeEmail,
	"fileitem/md5sum":    TypeHash,
	"fileitem/sha1sum":   TypeHash,
	"fileitem/sha256sum": TypeHash,
	"fileitem/filename":  TypeFilename,
	"processitem/name":   TypeFilename,
}

func IndicatorTypeFromOpenIOC(search string) (IndicatorType, bool) {
	t, ok := openIOCSearches[strings.ToLower(search)]
	return t, ok
}
