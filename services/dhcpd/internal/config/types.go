package config

import (
	"net"
	"time"
)

type Config struct {
	DHCP   DHCPConfig
	Probe  ProbeConfig
	Notify NotifyConfig
	HTTP   HTTPConfig
}

type DHCPConfig struct {
	Interface    string
	ListenAddr   string
	RangeStart   net.IP
	RangeEnd     net.IP
	SubnetMask   net.IPMask
	Router       net.IP
	DNSServers   []net.IP
	LeaseTime    time.Duration
	OfferTimeout time.Duration
	ServerIP     net.IP
}

type ProbeConfig struct {
	Enabled    bool
	Timeout    time.Duration
	Privileged bool
}

type NotifyConfig struct {
	DNSUpdateAddr string
	NATSURL       string
}

type HTTPConfig struct {
	Enabled bool
	Port    int
}
