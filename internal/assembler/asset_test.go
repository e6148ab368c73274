package assembler

import (
	"sort"
	"testing"
)

func TestSplitHostName(t *testing.T) {
	tests := []struct {
		host, url, port, uri string
	}{
		{"*", "Any", "", "Any"},
		{"*:*", "Any", "*", "Any"},
		{"shop.example.com", "shop.example.com", "", ""},
		{"shop.example.com/checkout", "shop.example.com", "", "/checkout"},
		{"http://shop.example.com/a/b", "shop.example.com", "80", "/a/b"},
		{"https://shop.example.com", "shop.example.com", "443", ""},
		{"https://shop.example.com:8443/x", "shop.example.com", "8443", "/x"},
	}
	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			url, port, uri := SplitHostName(tt.host)
			if url != tt.url || port != tt.port || uri != tt.uri {
				t.Errorf("SplitHostName(%q) = %q %q %q, want %q %q %q", tt.host, url, port, uri, tt.url, tt.port, tt.uri)
			}
		})
	}
}

func TestRuleContext(t *testing.T) {
	tests := []struct {
		name string
		host string
		want string
	}{
		{"any", "*", "All()"},
		{"both ports", "shop.example.com",
			"Any(All(Any(EqualHost(shop.example.com)),EqualListeningPort(80)),All(Any(EqualHost(shop.example.com)),EqualListeningPort(443)))"},
		{"uri", "https://shop.example.com/api",
			"Any(All(Any(EqualHost(shop.example.com)),EqualListeningPort(443),BeginWithUri(/api)))"},
		{"root uri", "http://shop.example.com/",
			"Any(All(Any(EqualHost(shop.example.com)),EqualListeningPort(80)))"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			url, port, uri := SplitHostName(tt.host)
			if got := ruleContext(AssetName(tt.host), url, port, uri); got != tt.want {
				t.Errorf("got  %s\nwant %s", got, tt.want)
			}
		})
	}
}

func TestLess_Order(t *testing.T) {
	names := []string{
		"Any",
		"*.example.com",
		"shop.example.com",
		"shop.example.com:*",
		"shop.example.com/*",
		"shop.example.com/api",
		"shop.example.com/api/v1",
		"shop.example.com/api/*",
		"a.example.com/api",
	}
	sort.Slice(names, func(i, j int) bool { return Less(names[i], names[j]) })
	want := []string{
		"shop.example.com/api/v1",
		"shop.example.com/api/*",
		"a.example.com/api",
		"shop.example.com/api",
		"shop.example.com",
		"shop.example.com/*",
		"shop.example.com:*",
		"*.example.com",
		"Any",
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("order mismatch at %d:\ngot  %v\nwant %v", i, names, want)
		}
	}
}

func TestLess_AnyAlwaysLast(t *testing.T) {
	for _, name := range []string{"a", "*.x.com", "x.com:*", "x.com/*"} {
		if Less("Any", name) {
			t.Errorf("Any sorted before %s", name)
		}
		if !Less(name, "Any") {
			t.Errorf("%s not sorted before Any", name)
		}
	}
}
