package assembler

import (
	"strings"
)

// AnyAsset names the asset of the default rule.
const AnyAsset = "Any"

const defaultAppURL = "http://*:*"

// SplitHostName splits a rule host of the form [scheme://]host[:port][/path]
// into url, port and uri. A scheme implies its port; an explicit port wins.
// The wildcard hosts "*" and "*:*" become Any/Any.
func SplitHostName(host string) (url, port, uri string) {
	url = host
	switch {
	case strings.HasPrefix(url, "http://"):
		url = url[len("http://"):]
		port = "80"
	case strings.HasPrefix(url, "https://"):
		url = url[len("https://"):]
		port = "443"
	}
	if i := strings.IndexByte(url, '/'); i >= 0 {
		uri = url[i:]
		url = url[:i]
	}
	if i := strings.IndexByte(url, ':'); i >= 0 {
		port = url[i+1:]
		url = url[:i]
	}
	if isAnyHost(host) {
		url, uri = AnyAsset, AnyAsset
	}
	return url, port, uri
}

// AssetName returns the asset name of a rule host.
func AssetName(host string) string {
	if isAnyHost(host) {
		return AnyAsset
	}
	return host
}

func isAnyHost(host string) bool {
	return host == "*" || host == "*:*"
}

// assetID identifies an asset by url+uri; the default asset is Any.
func assetID(asset, url, uri string) string {
	if asset == AnyAsset && url == AnyAsset && uri == AnyAsset {
		return AnyAsset
	}
	return url + uri
}

// ruleContext is the match expression of a rule. Without a port it matches 80 and 443.
func ruleContext(asset, url, port, uri string) string {
	if assetID(asset, url, uri) == AnyAsset {
		return "All()"
	}
	hostCheck := "Any(EqualHost(" + url + ")),"
	uriCheck := ""
	if uri != "" && uri != "/" {
		uriCheck = ",BeginWithUri(" + uri + ")"
	}
	ports := []string{"80", "443"}
	if port != "" {
		ports = []string{port}
	}
	var b strings.Builder
	b.WriteString("Any(")
	for _, p := range ports {
		closing := "),"
		if len(ports) == 1 || p == "443" {
			closing = ")"
		}
		b.WriteString("All(" + hostCheck + "EqualListeningPort(" + p + ")" + uriCheck + closing)
	}
	b.WriteString(")")
	return b.String()
}

// assetContext selects one asset by id.
func assetContext(id string) string {
	if id == AnyAsset {
		return "All()"
	}
	return "assetId(" + id + ")"
}

type parsedAsset struct {
	host string
	port string
	path string
}

func parseAsset(name string) parsedAsset {
	if name == AnyAsset || isAnyHost(name) {
		return parsedAsset{host: AnyAsset}
	}
	s := name
	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
	}
	var a parsedAsset
	if i := strings.IndexByte(s, '/'); i >= 0 {
		a.path = s[i:]
		s = s[:i]
	}
	if i := strings.IndexByte(s, ':'); i >= 0 {
		a.port = s[i+1:]
		s = s[:i]
	}
	a.host = s
	return a
}

func segments(path string) []string {
	var out []string
	for _, s := range strings.Split(path, "/") {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Less orders asset names from most to least specific. Literal hosts precede
// wildcard hosts and Any, concrete ports precede "*", concrete paths precede
// "*", longer paths precede shorter ones, and a literal segment precedes a
// wildcard segment at the first difference. Names break remaining ties.
func Less(a, b string) bool {
	pa, pb := parseAsset(a), parseAsset(b)
	if anyA, anyB := pa.host == AnyAsset, pb.host == AnyAsset; anyA != anyB {
		return anyB
	}
	if wa, wb := strings.Contains(pa.host, "*"), strings.Contains(pb.host, "*"); wa != wb {
		return wb
	}
	if wa, wb := pa.port == "*", pb.port == "*"; wa != wb {
		return wb
	}
	if wa, wb := isWildcardPath(pa.path), isWildcardPath(pb.path); wa != wb {
		return wb
	}
	sa, sb := segments(pa.path), segments(pb.path)
	if len(sa) != len(sb) {
		return len(sa) > len(sb)
	}
	for i := range sa {
		if sa[i] == sb[i] {
			continue
		}
		if wa, wb := strings.Contains(sa[i], "*"), strings.Contains(sb[i], "*"); wa != wb {
			return wb
		}
		break
	}
	return a < b
}

func isWildcardPath(p string) bool {
	return p == "*" || p == "/*"
}
