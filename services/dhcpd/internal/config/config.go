package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultRangeStart = "192.168.1.100"
	defaultRangeEnd   = "192.168.1.200"
)

func Load() (Config, error) {
	cfg := Config{}

	cfg.DHCP.ListenAddr = getEnv("NETLEASE_DHCP_LISTEN", fmt.Sprintf(":%d", 67))

	var err error
	if cfg.DHCP.RangeStart, err = getEnvIP("NETLEASE_DHCP_RANGE_START", defaultRangeStart); err != nil {
		return Config{}, err
	}
	if cfg.DHCP.RangeEnd, err = getEnvIP("NETLEASE_DHCP_RANGE_END", defaultRangeEnd); err != nil {
		return Config{}, err
	}
	if mask := os.Getenv("NETLEASE_DHCP_SUBNET_MASK"); mask != "" {
		ip := net.ParseIP(mask)
		if ip == nil || ip.To4() == nil {
			return Config{}, fmt.Errorf("invalid NETLEASE_DHCP_SUBNET_MASK: %q", mask)
		}
		cfg.DHCP.SubnetMask = net.IPMask(ip.To4())
	}
	if router := os.Getenv("NETLEASE_DHCP_ROUTER"); router != "" {
		cfg.DHCP.Router = net.ParseIP(router)
		if cfg.DHCP.Router == nil {
			return Config{}, fmt.Errorf("invalid NETLEASE_DHCP_ROUTER: %q", router)
		}
	}
	if dns := os.Getenv("NETLEASE_DHCP_DNS"); dns != "" {
		servers, err := parseIPList(dns)
		if err != nil {
			return Config{}, fmt.Errorf("invalid NETLEASE_DHCP_DNS: %w", err)
		}
		cfg.DHCP.DNSServers = servers
	}
	if lease := os.Getenv("NETLEASE_DHCP_LEASE_SECONDS"); lease != "" {
		secs, err := strconv.Atoi(lease)
		if err != nil || secs <= 0 {
			return Config{}, fmt.Errorf("invalid NETLEASE_DHCP_LEASE_SECONDS: %q", lease)
		}
		cfg.DHCP.LeaseTime = time.Duration(secs) * time.Second
	} else {
		cfg.DHCP.LeaseTime = 24 * time.Hour
	}
	cfg.DHCP.OfferTimeout = getEnvDuration("NETLEASE_DHCP_OFFER_TIMEOUT", time.Minute)
	if sip := os.Getenv("NETLEASE_DHCP_SERVER_IP"); sip != "" {
		cfg.DHCP.ServerIP = net.ParseIP(sip)
		if cfg.DHCP.ServerIP == nil {
			return Config{}, fmt.Errorf("invalid NETLEASE_DHCP_SERVER_IP: %q", sip)
		}
	}
	if iface := strings.TrimSpace(os.Getenv("NETLEASE_DHCP_INTERFACE")); iface != "" {
		resolved, err := resolveDHCPInterface(iface, cfg.DHCP.ServerIP)
		if err != nil {
			return Config{}, err
		}
		cfg.DHCP.Interface = resolved
	}

	if cfg.DHCP.RangeStart.To4() == nil || cfg.DHCP.RangeEnd.To4() == nil {
		return Config{}, fmt.Errorf("NETLEASE_DHCP range must be IPv4 addresses")
	}
	if bytesCompare(cfg.DHCP.RangeStart.To4(), cfg.DHCP.RangeEnd.To4()) > 0 {
		return Config{}, fmt.Errorf("NETLEASE_DHCP_RANGE_START must be <= NETLEASE_DHCP_RANGE_END")
	}
	if cfg.DHCP.ServerIP == nil {
		return Config{}, fmt.Errorf("NETLEASE_DHCP_SERVER_IP is required")
	}
	if cfg.DHCP.ServerIP.To4() == nil {
		return Config{}, fmt.Errorf("NETLEASE_DHCP_SERVER_IP must be an IPv4 address")
	}
	if cfg.DHCP.SubnetMask == nil {
		cfg.DHCP.SubnetMask = cfg.DHCP.RangeStart.DefaultMask()
	}
	if cfg.DHCP.Router == nil {
		cfg.DHCP.Router = cfg.DHCP.ServerIP
	}

	cfg.Probe.Enabled = getEnvBool("NETLEASE_PROBE_ENABLED", true)
	cfg.Probe.Timeout = getEnvDuration("NETLEASE_PROBE_TIMEOUT", 200*time.Millisecond)
	cfg.Probe.Privileged = getEnvBool("NETLEASE_PROBE_PRIVILEGED", true)
	if cfg.Probe.Timeout <= 0 || cfg.Probe.Timeout >= time.Second {
		return Config{}, fmt.Errorf("NETLEASE_PROBE_TIMEOUT must be between 0 and 1s, got %s", cfg.Probe.Timeout)
	}

	cfg.Notify.DNSUpdateAddr = os.Getenv("NETLEASE_DNS_UPDATE_ADDR")
	cfg.Notify.NATSURL = os.Getenv("NETLEASE_NATS_URL")

	cfg.HTTP.Enabled = getEnvBool("NETLEASE_DHCP_ENABLE_HTTP", true)
	cfg.HTTP.Port = getEnvInt("NETLEASE_DHCP_HTTP_PORT", 8067)

	return cfg, nil
}

func bytesCompare(a, b net.IP) int {
	if a == nil && b == nil {
		return 0
	}
	if a == nil {
		return -1
	}
	if b == nil {
		return 1
	}
	aa := a.To4()
	bb := b.To4()
	if aa == nil || bb == nil {
		return strings.Compare(a.String(), b.String())
	}
	for i := 0; i < len(aa); i++ {
		if aa[i] < bb[i] {
			return -1
		}
		if aa[i] > bb[i] {
			return 1
		}
	}
	return 0
}

func resolveDHCPInterface(value string, serverIP net.IP) (string, error) {
	candidates := strings.Split(value, ",")
	trimmed := make([]string, 0, len(candidates))
	tryAuto := false
	for _, c := range candidates {
		name := strings.TrimSpace(c)
		if name == "" {
			continue
		}
		if strings.EqualFold(name, "auto") {
			tryAuto = true
			continue
		}
		trimmed = append(trimmed, name)
	}

	if tryAuto {
		if serverIP == nil {
			return "", fmt.Errorf("NETLEASE_DHCP_INTERFACE=auto requires NETLEASE_DHCP_SERVER_IP")
		}
		return interfaceByIP(serverIP)
	}

	for _, name := range trimmed {
		if _, err := net.InterfaceByName(name); err == nil {
			return name, nil
		}
	}

	availableIfaces, err := net.Interfaces()
	if err != nil {
		return "", fmt.Errorf("resolve NETLEASE_DHCP_INTERFACE: candidates %q not found and unable to list interfaces: %w", trimmed, err)
	}
	available := make([]string, 0, len(availableIfaces))
	for _, iface := range availableIfaces {
		available = append(available, iface.Name)
	}
	return "", fmt.Errorf("resolve NETLEASE_DHCP_INTERFACE: none of the candidates %q are present on this host (available: %s)", trimmed, strings.Join(available, ", "))
}

func interfaceByIP(ip net.IP) (string, error) {
	if ip == nil {
		return "", fmt.Errorf("cannot resolve interface for nil IP")
	}
	interfaces, err := net.Interfaces()
	if err != nil {
		return "", fmt.Errorf("list interfaces: %w", err)
	}
	for _, iface := range interfaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			var candidate net.IP
			switch v := addr.(type) {
			case *net.IPNet:
				candidate = v.IP
			case *net.IPAddr:
				candidate = v.IP
			}
			if candidate == nil {
				continue
			}
			if candidate.To4() != nil && candidate.Equal(ip) {
				return iface.Name, nil
			}
		}
	}
	return "", fmt.Errorf("no network interface found with address %s", ip.String())
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvIP(key, def string) (net.IP, error) {
	v := getEnv(key, def)
	ip := net.ParseIP(strings.TrimSpace(v))
	if ip == nil {
		return nil, fmt.Errorf("invalid %s: %q", key, v)
	}
	return ip, nil
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func parseIPList(value string) ([]net.IP, error) {
	parts := strings.Split(value, ",")
	ips := make([]net.IP, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		ip := net.ParseIP(trimmed)
		if ip == nil || ip.To4() == nil {
			return nil, fmt.Errorf("%q is not an IPv4 address", trimmed)
		}
		ips = append(ips, ip.To4())
	}
	if len(ips) == 0 {
		return nil, nil
	}
	return ips, nil
}
