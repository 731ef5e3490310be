package socks5

import (
	"net"
	"strings"

	"github.com/yl2chen/cidranger"
)

// AllowList 客户端 IP 白名单，空列表表示全部允许
type AllowList struct {
	ranger  cidranger.Ranger
	entries []string
}

// ParseAllowList 解析逗号分隔的 CIDR 列表，空项忽略
// 不带掩码的单个 IP 视为 /32 或 /128
func ParseAllowList(list string) (*AllowList, error) {
	a := &AllowList{ranger: cidranger.NewPCTrieRanger()}
	for _, entry := range strings.Split(list, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		network, err := parseNetwork(entry)
		if err != nil {
			return nil, ConfigError("invalid allowed IP entry %q: %v", entry, err)
		}
		if err := a.ranger.Insert(cidranger.NewBasicRangerEntry(*network)); err != nil {
			return nil, ConfigError("invalid allowed IP entry %q: %v", entry, err)
		}
		a.entries = append(a.entries, network.String())
	}
	return a, nil
}

func parseNetwork(entry string) (*net.IPNet, error) {
	if strings.Contains(entry, "/") {
		_, network, err := net.ParseCIDR(entry)
		return network, err
	}
	ip := net.ParseIP(entry)
	if ip == nil {
		return nil, &net.ParseError{Type: "IP address", Text: entry}
	}
	if v4 := ip.To4(); v4 != nil {
		return &net.IPNet{IP: v4, Mask: net.CIDRMask(32, 32)}, nil
	}
	return &net.IPNet{IP: ip, Mask: net.CIDRMask(128, 128)}, nil
}

// IsAllowed 判断客户端 IP 是否允许连接
func (a *AllowList) IsAllowed(ip net.IP) bool {
	if a == nil || len(a.entries) == 0 {
		return true
	}
	if ip == nil {
		return false
	}
	ok, err := a.ranger.Contains(ip)
	return err == nil && ok
}

// IsAllowedAddr 从 net.Addr 中提取 IP 后判断
func (a *AllowList) IsAllowedAddr(addr net.Addr) bool {
	switch v := addr.(type) {
	case *net.TCPAddr:
		return a.IsAllowed(v.IP)
	default:
		host, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			return a.IsAllowed(nil)
		}
		return a.IsAllowed(net.ParseIP(host))
	}
}

// Entries 返回规范化后的网段列表
func (a *AllowList) Entries() []string {
	if a == nil {
		return nil
	}
	return append([]string(nil), a.entries...)
}
