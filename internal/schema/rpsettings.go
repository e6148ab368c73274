package schema

import "github.com/ppiankov/wafpolicy/internal/diag"

// RPSettingsPlural is the file key plural of reverse-proxy settings. They only exist in local files.
const RPSettingsPlural = "rpsettings"

const (
	DefaultHostHeader  = "$host"
	DefaultDNSResolver = "127.0.0.11"
)

// DefaultRPSettings returns the settings used when a rule names none or an unknown one.
func DefaultRPSettings() RPSettings {
	return RPSettings{HostHeader: DefaultHostHeader, DNSResolver: DefaultDNSResolver}
}

// DecodeRPSettings decodes reverse-proxy settings. Both key spellings are accepted.
func DecodeRPSettings(name string, obj map[string]any, d *diag.List) (RPSettings, error) {
	res := "rpSettings/" + name
	spec, err := specOf(res, obj)
	if err != nil {
		return RPSettings{}, err
	}
	r := newReader(res, spec, d)
	s := RPSettings{Name: r.str("name", name)}
	s.HostHeader = r.str("hostHeader", r.str("host-header", DefaultHostHeader))
	s.DNSResolver = r.str("dnsResolver", r.str("dns-resolver", DefaultDNSResolver))
	if err := r.Err(); err != nil {
		return RPSettings{}, err
	}
	return s, nil
}
