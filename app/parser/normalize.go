package parser

import (
	"encoding/hex"
	"fmt"
	"net/netip"
	"net/url"
	"path"
	"regexp"
	"strings"

	"github.com/lysyi3m/threat-comb/app/feed"
	"github.com/zeebo/blake3"
	"golang.org/x/net/idna"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

var (
	cvePattern    = regexp.MustCompile(`(?i)^CVE-\d{4}-\d{4,}$`)
	domainPattern = regexp.MustCompile(`^(?:[a-z0-9_](?:[a-z0-9_-]{0,61}[a-z0-9])?\.)+(?:[a-z]{2,63}|xn--[a-z0-9-]{1,59})$`)
	hexPattern    = regexp.MustCompile(`^[0-9a-fA-F]+$`)
	spaces        = regexp.MustCompile(`\s+`)

	defang = strings.NewReplacer(
		"[.]", ".", "(.)", ".", "{.}", ".", "[dot]", ".", "(dot)", ".",
		"[:]", ":", "[://]", "://",
		"[@]", "@", "[at]", "@", "(at)", "@",
	)

	folder = cases.Fold()
)

var fangedSchemes = []struct{ fanged, scheme string }{
	{"hxxps://", "https://"},
	{"hxxp://", "http://"},
	{"fxp://", "ftp://"},
}

var fileExtensions = map[string]bool{
	".exe": true, ".dll": true, ".scr": true, ".bat": true, ".cmd": true,
	".ps1": true, ".vbs": true, ".js": true, ".jar": true, ".msi": true,
	".lnk": true, ".hta": true, ".iso": true, ".doc": true, ".docm": true,
	".xls": true, ".xlsm": true, ".pdf": true, ".rar": true, ".7z": true,
	".elf": true, ".bin": true, ".apk": true, ".sys": true,
}

// Refang undoes the usual defanging of indicators in reports: hxxp schemes
// and bracketed dots, colons and at-signs.
func Refang(s string) string {
	s = defang.Replace(s)
	lower := strings.ToLower(s)
	for _, sc := range fangedSchemes {
		if strings.HasPrefix(lower, sc.fanged) {
			return sc.scheme + s[len(sc.fanged):]
		}
	}
	return s
}

func clean(s string) string {
	return strings.TrimSpace(norm.NFKC.String(s))
}

// InferType guesses the indicator type from the value alone. It returns ""
// when nothing fits.
func InferType(value string) feed.IndicatorType {
	v := Refang(clean(value))
	if v == "" {
		return ""
	}

	switch {
	case cvePattern.MatchString(v):
		return feed.TypeCVE
	case isIP(v):
		return feed.TypeIP
	case feed.HashAlgorithm(v) != "" && hexPattern.MatchString(v):
		return feed.TypeHash
	case strings.Contains(v, "://"):
		return feed.TypeURL
	case strings.Count(v, "@") == 1 && !strings.ContainsAny(v, " /"):
		_, domain, _ := strings.Cut(v, "@")
		if isDomain(domain) {
			return feed.TypeEmail
		}
	case strings.ContainsAny(v, " \t"):
		return ""
	case fileExtensions[strings.ToLower(path.Ext(v))] && !strings.Contains(v, "/"):
		return feed.TypeFilename
	case isDomain(v):
		return feed.TypeDomain
	case strings.Contains(v, "/"):
		host, _, _ := strings.Cut(v, "/")
		if isDomain(host) || isIP(host) {
			return feed.TypeURL
		}
	}
	return ""
}

func isIP(v string) bool {
	_, err := normalizeIP(v)
	return err == nil
}

func isDomain(v string) bool {
	_, err := normalizeDomain(v)
	return err == nil
}

// Normalize renders a value in the canonical form used for hashing and
// fuzzy matching.
func Normalize(t feed.IndicatorType, value string) (string, error) {
	v := Refang(clean(value))
	if v == "" {
		return "", fmt.Errorf("empty value")
	}

	switch t {
	case feed.TypeIP:
		return normalizeIP(v)
	case feed.TypeDomain:
		return normalizeDomain(v)
	case feed.TypeURL:
		return normalizeURL(v)
	case feed.TypeHash:
		if feed.HashAlgorithm(v) == "" || !hexPattern.MatchString(v) {
			return "", fmt.Errorf("malformed hash %q", v)
		}
		return folder.String(v), nil
	case feed.TypeEmail:
		local, domain, ok := strings.Cut(v, "@")
		if !ok || local == "" || strings.Contains(domain, "@") {
			return "", fmt.Errorf("malformed email address %q", v)
		}
		d, err := normalizeDomain(domain)
		if err != nil {
			return "", fmt.Errorf("malformed email address %q", v)
		}
		return folder.String(local) + "@" + d, nil
	case feed.TypeCVE:
		if !cvePattern.MatchString(v) {
			return "", fmt.Errorf("malformed CVE id %q", v)
		}
		return strings.ToUpper(v), nil
	case feed.TypeName:
		return folder.String(spaces.ReplaceAllString(v, " ")), nil
	case feed.TypeFilename:
		return spaces.ReplaceAllString(v, " "), nil
	}
	return "", fmt.Errorf("unknown indicator type %q", t)
}

func normalizeIP(v string) (string, error) {
	v = strings.Trim(v, "[]")
	if addr, err := netip.ParseAddr(v); err == nil {
		return addr.Unmap().String(), nil
	}
	if prefix, err := netip.ParsePrefix(v); err == nil {
		return netip.PrefixFrom(prefix.Addr().Unmap(), prefix.Bits()).Masked().String(), nil
	}
	if ap, err := netip.ParseAddrPort(v); err == nil {
		return ap.Addr().Unmap().String(), nil
	}
	return "", fmt.Errorf("malformed IP address %q", v)
}

func normalizeDomain(v string) (string, error) {
	v = strings.TrimSuffix(strings.TrimPrefix(v, "*."), ".")
	ascii, err := idna.Lookup.ToASCII(v)
	if err != nil {
		return "", fmt.Errorf("malformed domain %q: %w", v, err)
	}
	ascii = strings.ToLower(ascii)
	if !domainPattern.MatchString(ascii) {
		return "", fmt.Errorf("malformed domain %q", v)
	}
	return ascii, nil
}

func normalizeURL(v string) (string, error) {
	if !strings.Contains(v, "://") {
		v = "http://" + v
	}
	u, err := url.Parse(v)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("malformed URL %q", v)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	host := u.Hostname()
	if h, err := normalizeDomain(host); err == nil {
		host = h
	} else if h, err := normalizeIP(host); err == nil {
		host = h
		if strings.Contains(h, ":") {
			host = "[" + h + "]"
		}
	} else {
		return "", fmt.Errorf("malformed URL host %q", u.Host)
	}
	if port := u.Port(); port != "" {
		host += ":" + port
	}
	u.Host = host
	u.Fragment = ""
	return u.String(), nil
}

// ContentHash identifies an indicator across sources.
func ContentHash(t feed.IndicatorType, normalized string) string {
	sum := blake3.Sum256([]byte(string(t) + "|" + normalized))
	return hex.EncodeToString(sum[:])
}
