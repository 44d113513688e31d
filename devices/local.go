package devices

import (
	"fmt"
	"log/slog"
	"net"
)

// LocalIPv4s はローカルマシンの IPv4 アドレスのリストを取得します。
// ループバックアドレスは最後に並べます。
func LocalIPv4s() ([]net.IP, error) {
	var localIPs, loopback []net.IP
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("failed to get interfaces: %w", err)
	}
	for _, i := range ifaces {
		if i.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := i.Addrs()
		if err != nil {
			// エラーが発生しても他のインターフェースの処理を続ける
			slog.Warn("インターフェースのアドレス取得に失敗", "iface", i.Name, "err", err)
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
			if ip == nil || ip.To4() == nil {
				continue
			}
			if i.Flags&net.FlagLoopback != 0 {
				loopback = append(loopback, ip)
			} else {
				localIPs = append(localIPs, ip)
			}
		}
	}
	return append(localIPs, loopback...), nil
}

// ResolveSelf はノード自身のデバイス名を決定します。
// name が指定されていればそれが表に存在するか確認し、空ならローカル IP から逆引きします。
func (t *Table) ResolveSelf(name string) (string, error) {
	if name != "" {
		if _, ok := t.Lookup(name); !ok {
			return "", &DeviceNotFoundError{Name: name}
		}
		return name, nil
	}
	ips, err := LocalIPv4s()
	if err != nil {
		return "", err
	}
	if found, ok := t.NameForIPs(ips); ok {
		return found, nil
	}
	return "", fmt.Errorf("no device entry matches local addresses %v", ips)
}
