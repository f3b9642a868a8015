package proxies

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/biter777/countries"
	"github.com/oschwald/maxminddb-golang/v2"
)

// RegionOther 未收录国家或未知地区
const RegionOther = "OTHER"

// regionGroups 国家代码到大区的映射
var regionGroups = map[string][]string{
	"EA":   {"HK", "TW", "JP", "KR", "MO"},
	"CN":   {"CN"},
	"SEA":  {"SG", "MY", "TH", "VN", "PH", "ID", "MM", "KH", "LA"},
	"SA":   {"IN", "PK", "BD", "LK"},
	"NA":   {"US", "CA", "MX"},
	"SA-L": {"BR", "AR", "CL", "CO"},
	"EU-W": {"GB", "DE", "FR", "NL", "BE", "IE", "AT", "CH"},
	"EU-N": {"SE", "NO", "FI", "DK", "IS"},
	"EU-E": {"PL", "UA", "RO", "CZ", "HU", "BG", "SK"},
	"EU-S": {"IT", "ES", "PT", "GR"},
	"RU":   {"RU", "KZ"},
	"ME":   {"AE", "TR", "IL", "SA"},
	"OC":   {"AU", "NZ"},
	"AF":   {"ZA", "EG", "NG"},
}

var countryToRegion = func() map[string]string {
	m := make(map[string]string)
	for group, codes := range regionGroups {
		for _, c := range codes {
			m[c] = group
		}
	}
	return m
}()

// RegionTag 节点所在国家与大区，均为空表示未知
type RegionTag struct {
	Country string
	Group   string
}

// GroupOrOther 分组时使用的大区名，未知地区归入 OTHER
func (t RegionTag) GroupOrOther() string {
	if t.Group == "" {
		return RegionOther
	}
	return t.Group
}

// NormalizeCountry 规范化国家代码，无法识别时原样转成大写
func NormalizeCountry(code string) string {
	code = strings.TrimSpace(code)
	if code == "" {
		return ""
	}
	if c := countries.ByName(code); c != countries.Unknown {
		if a2 := c.Alpha2(); a2 != "" {
			return a2
		}
	}
	return strings.ToUpper(code)
}

// RegionForCountry 国家代码映射到大区，未收录的国家返回 OTHER
func RegionForCountry(code string) string {
	if g, ok := countryToRegion[NormalizeCountry(code)]; ok {
		return g
	}
	return RegionOther
}

// CountryLookup 根据 IP 查询国家代码
type CountryLookup interface {
	Country(ip netip.Addr) (string, error)
	Close() error
}

// HostResolver 域名解析，*net.Resolver 满足该接口
type HostResolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

var errNotFound = errors.New("address not in database")

// MMDBLookup 基于 MaxMind Country 数据库的查询
type MMDBLookup struct {
	db *maxminddb.Reader
}

// NewMMDBLookup 接管数据库句柄，Close 时一并关闭
func NewMMDBLookup(db *maxminddb.Reader) *MMDBLookup {
	return &MMDBLookup{db: db}
}

func (m *MMDBLookup) Country(ip netip.Addr) (string, error) {
	var record struct {
		Country struct {
			ISOCode string `maxminddb:"iso_code"`
		} `maxminddb:"country"`
	}
	if err := m.db.Lookup(ip).Decode(&record); err != nil {
		return "", err
	}
	if record.Country.ISOCode == "" {
		return "", errNotFound
	}
	return record.Country.ISOCode, nil
}

func (m *MMDBLookup) Close() error {
	if m.db == nil {
		return nil
	}
	return m.db.Close()
}

// RegionClassifier 将节点地址归类到大区
// 数据库句柄由实例持有，生命周期由调用方通过 Close 管理
type RegionClassifier struct {
	lookup   CountryLookup
	resolver HostResolver
	timeout  time.Duration
}

// NewRegionClassifier lookup 可以为 nil，此时所有节点都是未知地区
func NewRegionClassifier(lookup CountryLookup, resolver HostResolver) *RegionClassifier {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	return &RegionClassifier{lookup: lookup, resolver: resolver, timeout: 5 * time.Second}
}

// Classify 任何失败都返回空标签，不影响后续检测
func (c *RegionClassifier) Classify(ctx context.Context, p Proxy) RegionTag {
	if c == nil || c.lookup == nil || p.Server == "" {
		return RegionTag{}
	}

	addr, err := c.resolve(ctx, p.Server)
	if err != nil {
		slog.Debug(fmt.Sprintf("解析节点地址失败: %s %s: %v", p.Name, p.Server, err))
		return RegionTag{}
	}

	code, err := c.lookup.Country(addr)
	if err != nil {
		slog.Debug(fmt.Sprintf("查询节点国家失败: %s %s: %v", p.Name, addr, err))
		return RegionTag{}
	}

	code = NormalizeCountry(code)
	return RegionTag{Country: code, Group: RegionForCountry(code)}
}

func (c *RegionClassifier) resolve(ctx context.Context, host string) (netip.Addr, error) {
	host = strings.Trim(host, "[]")
	if addr, err := netip.ParseAddr(host); err == nil {
		return addr.Unmap(), nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	addrs, err := c.resolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return netip.Addr{}, err
	}
	if len(addrs) == 0 {
		return netip.Addr{}, fmt.Errorf("no address for %s", host)
	}
	return addrs[0].Unmap(), nil
}

// Close 释放数据库
func (c *RegionClassifier) Close() error {
	if c == nil || c.lookup == nil {
		return nil
	}
	return c.lookup.Close()
}
