package fetch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

var (
	// ErrBlockedAddress 目標解析到不允許的位址
	ErrBlockedAddress = errors.New("destination resolves to a private, loopback or link-local address")
	// ErrUnsupportedScheme 非 http/https
	ErrUnsupportedScheme = errors.New("only http and https urls are allowed")
)

// Resolver DNS 解析介面，方便測試替換
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

var blockedNetworks = mustParseCIDRs(
	"0.0.0.0/8",
	"10.0.0.0/8",
	"100.64.0.0/10",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"::1/128",
	"fc00::/7",
	"fe80::/10",
)

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	out := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic(err)
		}
		out = append(out, n)
	}
	return out
}

// IsBlockedIP 是否為 loopback、link-local、私有或未指定位址
func IsBlockedIP(ip net.IP) bool {
	if ip == nil {
		return true
	}
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() ||
		ip.IsPrivate() || ip.IsUnspecified() || ip.IsInterfaceLocalMulticast() {
		return true
	}
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	for _, n := range blockedNetworks {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// guardedDialer 先解析再驗證，最後直接連線到已驗證的 IP，避免二次解析
type guardedDialer struct {
	resolver     Resolver
	dialer       *net.Dialer
	allowPrivate bool
}

// DialContext 供 http.Transport 使用；重新導向時同樣會經過此處
func (d *guardedDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}

	ips, err := d.resolve(ctx, host)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for _, ip := range ips {
		conn, err := d.dialer.DialContext(ctx, network, net.JoinHostPort(ip.String(), port))
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

// resolve 解析主機並確認所有位址皆允許
func (d *guardedDialer) resolve(ctx context.Context, host string) ([]net.IP, error) {
	host = strings.TrimSuffix(strings.Trim(host, "[]"), ".")
	if ip := net.ParseIP(host); ip != nil {
		if !d.allowPrivate && IsBlockedIP(ip) {
			return nil, fmt.Errorf("%w: %s", ErrBlockedAddress, ip)
		}
		return []net.IP{ip}, nil
	}

	addrs, err := d.resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}
	if len(addrs) == 0 {
		return nil, &net.DNSError{Err: "no addresses", Name: host, IsNotFound: true}
	}

	ips := make([]net.IP, 0, len(addrs))
	for _, a := range addrs {
		if !d.allowPrivate && IsBlockedIP(a.IP) {
			return nil, fmt.Errorf("%w: %s -> %s", ErrBlockedAddress, host, a.IP)
		}
		ips = append(ips, a.IP)
	}
	return ips, nil
}
