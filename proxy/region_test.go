package proxies

import (
	"context"
	"errors"
	"net/netip"
	"testing"
)

type fakeLookup map[string]string

func (f fakeLookup) Country(ip netip.Addr) (string, error) {
	if c, ok := f[ip.String()]; ok {
		return c, nil
	}
	return "", errNotFound
}

func (f fakeLookup) Close() error { return nil }

type fakeResolver map[string][]netip.Addr

func (f fakeResolver) LookupNetIP(_ context.Context, _, host string) ([]netip.Addr, error) {
	if addrs, ok := f[host]; ok {
		return addrs, nil
	}
	return nil, errors.New("no such host")
}

func TestRegionClassifier(t *testing.T) {
	lookup := fakeLookup{
		"1.2.3.4":     "jp",
		"5.6.7.8":     "HK",
		"9.9.9.9":     "AQ",
		"2001:db8::1": "US",
	}
	resolver := fakeResolver{"hk.example.com": {netip.MustParseAddr("::ffff:5.6.7.8")}}
	c := NewRegionClassifier(lookup, resolver)
	defer c.Close()

	tests := []struct {
		server  string
		country string
		group   string
	}{
		{"1.2.3.4", "JP", "EA"},
		{"hk.example.com", "HK", "EA"},
		{"[2001:db8::1]", "US", "NA"},
		{"9.9.9.9", "AQ", RegionOther},
		{"10.0.0.1", "", ""},
		{"missing.example.com", "", ""},
		{"", "", ""},
	}
	for _, tt := range tests {
		got := c.Classify(context.Background(), Proxy{Name: "n", Server: tt.server})
		if got.Country != tt.country || got.Group != tt.group {
			t.Errorf("Classify(%q) = %+v, want %s/%s", tt.server, got, tt.country, tt.group)
		}
	}
}

func TestNilClassifier(t *testing.T) {
	var c *RegionClassifier
	if got := c.Classify(context.Background(), Proxy{Server: "1.2.3.4"}); got != (RegionTag{}) {
		t.Errorf("got %+v", got)
	}
	if err := c.Close(); err != nil {
		t.Error(err)
	}

	c = NewRegionClassifier(nil, nil)
	if got := c.Classify(context.Background(), Proxy{Server: "1.2.3.4"}); got.GroupOrOther() != RegionOther {
		t.Errorf("got %+v", got)
	}
}

func TestRegionForCountry(t *testing.T) {
	for code, want := range map[string]string{
		"SG": "SEA",
		"de": "EU-W",
		"BR": "SA-L",
		"AE": "ME",
		"RU": "RU",
		"":   RegionOther,
	} {
		if got := RegionForCountry(code); got != want {
			t.Errorf("RegionForCountry(%q) = %s, want %s", code, got, want)
		}
	}
}

func TestRegionLabel(t *testing.T) {
	if got := (RegionTag{Country: "HK", Group: "EA"}).Label(); got != "🇭🇰HK/EA" {
		t.Errorf("Label = %q", got)
	}
	if got := (RegionTag{}).Label(); got != RegionOther {
		t.Errorf("Label = %q", got)
	}
}
