package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"netlease/pkg/wire"
	"netlease/services/dhcpclient"
)

const (
	defaultDNSAddr    = "127.0.0.1:533"
	defaultUpdateAddr = "127.0.0.1:9898"
)

func newLeaseCommand() *cobra.Command {
	var (
		hwAddr         string
		ifaceName      string
		listenAddr     string
		serverAddr     string
		timeout        time.Duration
		receiveTimeout time.Duration
		queryName      string
		dnsAddr        string
	)

	cmd := &cobra.Command{
		Use:   "lease",
		Short: "Negotiate an address with the allocator",
		RunE: func(cmd *cobra.Command, args []string) error {
			hw, err := resolveHardwareAddr(hwAddr, ifaceName)
			if err != nil {
				return err
			}
			var server net.Addr
			if serverAddr != "" {
				server, err = net.ResolveUDPAddr("udp4", serverAddr)
				if err != nil {
					return fmt.Errorf("resolve server %q: %w", serverAddr, err)
				}
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			transport, err := dhcpclient.ListenUDP(ctx, listenAddr, server)
			if err != nil {
				return err
			}
			defer transport.Close()

			requester, err := dhcpclient.New(hw, transport,
				dhcpclient.WithLogger(log.Logger),
				dhcpclient.WithReceiveTimeout(receiveTimeout),
			)
			if err != nil {
				return err
			}
			binding, err := requester.Run(ctx)
			if err != nil {
				return fmt.Errorf("no lease within %s: %w", timeout, err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "address\t%s\nserver\t%s\nlease\t%s\n", binding.Address, binding.ServerID, binding.LeaseTime)
			if binding.Router != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "router\t%s\n", binding.Router)
			}
			for _, ns := range binding.DNSServers {
				fmt.Fprintf(cmd.OutOrStdout(), "dns\t%s\n", ns)
			}

			if queryName == "" {
				return nil
			}
			qctx, qcancel := context.WithTimeout(cmd.Context(), receiveTimeout)
			defer qcancel()
			return printQuery(qctx, cmd, dnsAddr, queryName)
		},
	}

	cmd.Flags().StringVar(&hwAddr, "hw", "", "Client hardware address (e.g. 02:00:5e:10:20:30)")
	cmd.Flags().StringVar(&ifaceName, "interface", "", "Take the hardware address from this interface")
	cmd.Flags().StringVar(&listenAddr, "listen", fmt.Sprintf(":%d", wire.ClientPort), "Local address to bind")
	cmd.Flags().StringVar(&serverAddr, "server", "", "Allocator address (defaults to broadcast)")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "Give up after this long")
	cmd.Flags().DurationVar(&receiveTimeout, "receive-timeout", dhcpclient.DefaultReceiveTimeout, "Wait this long for each reply")
	cmd.Flags().StringVar(&queryName, "query", "", "Resolve this name once bound")
	cmd.Flags().StringVar(&dnsAddr, "dns", defaultDNSAddr, "Resolver address used by --query")
	return cmd
}

func newUpdateCommand() *cobra.Command {
	var updateAddr string

	cmd := &cobra.Command{
		Use:   "update DOMAIN ADDRESS",
		Short: "Send a record update to the resolver",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			u := wire.Update{Kind: wire.UpdateRecord, Name: args[0], Address: net.ParseIP(args[1])}
			if err := sendUpdate(cmd.Context(), updateAddr, u); err != nil {
				return err
			}
			log.Info().Str("name", u.Hostname()).Str("address", args[1]).Msg("update sent")
			return nil
		},
	}
	cmd.Flags().StringVar(&updateAddr, "addr", defaultUpdateAddr, "Resolver update address")
	return cmd
}

func newNotifyLeaseCommand() *cobra.Command {
	var updateAddr string

	cmd := &cobra.Command{
		Use:   "notify-lease CLIENT_ID ADDRESS",
		Short: "Announce a lease to the resolver as the allocator would",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			u := wire.Update{Kind: wire.UpdateLease, ClientID: args[0], Address: net.ParseIP(args[1])}
			if err := sendUpdate(cmd.Context(), updateAddr, u); err != nil {
				return err
			}
			log.Info().Str("name", u.Hostname()).Str("address", args[1]).Msg("lease announced")
			return nil
		},
	}
	cmd.Flags().StringVar(&updateAddr, "addr", defaultUpdateAddr, "Resolver update address")
	return cmd
}

func newQueryCommand() *cobra.Command {
	var (
		dnsAddr string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "query NAME",
		Short: "Resolve a name through the resolver",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			return printQuery(ctx, cmd, dnsAddr, args[0])
		},
	}
	cmd.Flags().StringVar(&dnsAddr, "dns", defaultDNSAddr, "Resolver address")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "Query timeout")
	return cmd
}

func resolveHardwareAddr(hwAddr, ifaceName string) (net.HardwareAddr, error) {
	switch {
	case hwAddr != "":
		hw, err := net.ParseMAC(hwAddr)
		if err != nil {
			return nil, fmt.Errorf("parse --hw: %w", err)
		}
		return hw, nil
	case ifaceName != "":
		iface, err := net.InterfaceByName(ifaceName)
		if err != nil {
			return nil, fmt.Errorf("lookup interface %q: %w", ifaceName, err)
		}
		if len(iface.HardwareAddr) == 0 {
			return nil, fmt.Errorf("interface %q has no hardware address", ifaceName)
		}
		return iface.HardwareAddr, nil
	default:
		return nil, errors.New("one of --hw or --interface is required")
	}
}

func sendUpdate(ctx context.Context, addr string, u wire.Update) error {
	payload, err := u.MarshalText()
	if err != nil {
		return err
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp4", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()
	if _, err := conn.Write(payload); err != nil {
		return fmt.Errorf("send update to %s: %w", addr, err)
	}
	return nil
}

func query(ctx context.Context, addr, name string) (*dns.Msg, error) {
	req := new(dns.Msg)
	req.SetQuestion(wire.CanonicalName(name), dns.TypeA)
	client := &dns.Client{Net: "udp"}
	resp, _, err := client.ExchangeContext(ctx, req, addr)
	if err != nil {
		return nil, fmt.Errorf("query %s at %s: %w", name, addr, err)
	}
	return resp, nil
}

func printQuery(ctx context.Context, cmd *cobra.Command, addr, name string) error {
	resp, err := query(ctx, addr, name)
	if err != nil {
		return err
	}
	if resp.Rcode != dns.RcodeSuccess {
		return fmt.Errorf("%s: %s", strings.TrimSuffix(wire.CanonicalName(name), "."), dns.RcodeToString[resp.Rcode])
	}
	for _, rr := range resp.Answer {
		if a, ok := rr.(*dns.A); ok {
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d\t%s\n", a.Hdr.Name, a.Hdr.Ttl, a.A)
		}
	}
	return nil
}
