package network

import (
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
)

// 1つの /24 サブネット内で探索するホスト番号の範囲
const (
	FirstHostOctet = 2
	LastHostOctet  = 254
)

// GetLocalIPv4s はローカルマシンの非ループバックIPv4アドレスのリストを取得します
func GetLocalIPv4s() ([]net.IP, error) {
	localIPs := []net.IP{}
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("failed to get interfaces: %w", err)
	}
	for _, i := range ifaces {
		// インターフェースがダウンしている、またはループバックの場合はスキップ
		if (i.Flags&net.FlagUp == 0) || (i.Flags&net.FlagLoopback != 0) {
			continue
		}
		addrs, err := i.Addrs()
		if err != nil {
			// エラーが発生しても他のインターフェースの処理を続ける
			slog.Warn("インターフェースのアドレス取得に失敗", "interface", i.Name, "err", err)
			continue
		}
		for _, addr := range addrs {
			var ip net.IP
			switch v := addr.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}
			// IPv4 アドレスのみを対象とする（リンクローカルは除く）
			if ip != nil && ip.To4() != nil && !ip.IsLinkLocalUnicast() {
				localIPs = append(localIPs, ip.To4())
			}
		}
	}
	return localIPs, nil
}

// HasNetwork は利用可能なIPv4ネットワークがあるかどうかを返す
func HasNetwork() bool {
	ips, err := GetLocalIPv4s()
	if err != nil {
		slog.Warn("ネットワークの確認に失敗", "err", err)
		return false
	}
	return len(ips) > 0
}

// LocalSubnets はローカルのIPv4アドレスが属する /24 のプレフィックス（例: "192.168.1"）を返す
func LocalSubnets() []string {
	ips, err := GetLocalIPv4s()
	if err != nil {
		slog.Warn("ローカルサブネットの取得に失敗", "err", err)
		return nil
	}
	seen := make(map[string]struct{}, len(ips))
	subnets := make([]string, 0, len(ips))
	for _, ip := range ips {
		subnet, ok := SubnetOf(ip.String())
		if !ok {
			continue
		}
		if _, dup := seen[subnet]; dup {
			continue
		}
		seen[subnet] = struct{}{}
		subnets = append(subnets, subnet)
	}
	return subnets
}

// SubnetOf は IPv4 アドレスから /24 のプレフィックスを取り出す
func SubnetOf(ip string) (string, bool) {
	parsed := net.ParseIP(ip)
	if parsed == nil || parsed.To4() == nil {
		return "", false
	}
	v4 := parsed.To4()
	return fmt.Sprintf("%d.%d.%d", v4[0], v4[1], v4[2]), true
}

// ValidateSubnet は "a.b.c" 形式の /24 プレフィックスかどうかを確認する
func ValidateSubnet(subnet string) error {
	parts := strings.Split(subnet, ".")
	if len(parts) != 3 {
		return fmt.Errorf("invalid subnet %q: want three octets like 192.168.1", subnet)
	}
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || n > 255 {
			return fmt.Errorf("invalid subnet %q: bad octet %q", subnet, p)
		}
	}
	return nil
}

// HostsOf はサブネット内の探索対象アドレス（.2 〜 .254）を返す
func HostsOf(subnet string) []string {
	hosts := make([]string, 0, LastHostOctet-FirstHostOctet+1)
	for octet := FirstHostOctet; octet <= LastHostOctet; octet++ {
		hosts = append(hosts, subnet+"."+strconv.Itoa(octet))
	}
	return hosts
}
