//go:build linux

package tun

import (
	"errors"
	"fmt"
	"net"
	"net/netip"

	"github.com/vishvananda/netlink"
)

// Config describes how to configure a TUN device via netlink.
// Address is required; Routes defaults to the network of Address.
type Config struct {
	Name    string
	Address netip.Prefix
	Routes  []netip.Prefix
	MTU     int
}

// netlinkAPI allows configuring links; extracted for tests.
type netlinkAPI interface {
	LinkByName(string) (netlink.Link, error)
	LinkSetMTU(netlink.Link, int) error
	AddrReplace(netlink.Link, *netlink.Addr) error
	RouteReplace(*netlink.Route) error
	LinkSetUp(netlink.Link) error
	LinkSetDown(netlink.Link) error
	LinkDel(netlink.Link) error
}

type defaultNetlink struct{}

func (defaultNetlink) LinkByName(name string) (netlink.Link, error) { return netlink.LinkByName(name) }
func (defaultNetlink) LinkSetMTU(l netlink.Link, mtu int) error     { return netlink.LinkSetMTU(l, mtu) }
func (defaultNetlink) AddrReplace(l netlink.Link, addr *netlink.Addr) error {
	return netlink.AddrReplace(l, addr)
}
func (defaultNetlink) RouteReplace(r *netlink.Route) error { return netlink.RouteReplace(r) }
func (defaultNetlink) LinkSetUp(l netlink.Link) error      { return netlink.LinkSetUp(l) }
func (defaultNetlink) LinkSetDown(l netlink.Link) error    { return netlink.LinkSetDown(l) }
func (defaultNetlink) LinkDel(l netlink.Link) error        { return netlink.LinkDel(l) }

// Configure assigns the address, MTU and routes of an existing TUN link and
// brings it up.
func Configure(cfg Config) error {
	return configure(defaultNetlink{}, cfg)
}

// Teardown brings the link down. A missing link is not an error.
func Teardown(name string) error {
	return teardown(defaultNetlink{}, name, false)
}

// Remove deletes the link, used to clear a stale interface left by a
// previous run.
func Remove(name string) error {
	return teardown(defaultNetlink{}, name, true)
}

func configure(nl netlinkAPI, cfg Config) error {
	if cfg.Name == "" {
		return fmt.Errorf("tun name is required")
	}
	if !cfg.Address.IsValid() {
		return fmt.Errorf("address is required")
	}
	if cfg.Address.Addr().Zone() != "" {
		return fmt.Errorf("address %s must not carry a zone", cfg.Address)
	}
	if cfg.MTU == 0 {
		cfg.MTU = DefaultMTU
	}
	if cfg.MTU < MinMTU || cfg.MTU > MaxMTU {
		return fmt.Errorf("mtu %d outside %d..%d", cfg.MTU, MinMTU, MaxMTU)
	}

	link, err := nl.LinkByName(cfg.Name)
	if err != nil {
		return fmt.Errorf("lookup link %s: %w", cfg.Name, err)
	}

	if err := nl.LinkSetMTU(link, cfg.MTU); err != nil {
		return fmt.Errorf("set mtu %d: %w", cfg.MTU, err)
	}

	ipnet := prefixToIPNet(cfg.Address)
	if err := nl.AddrReplace(link, &netlink.Addr{IPNet: ipnet}); err != nil {
		return fmt.Errorf("addr replace %s: %w", cfg.Address, err)
	}

	// Routes need the link up on some kernels.
	if err := nl.LinkSetUp(link); err != nil {
		return fmt.Errorf("link set up: %w", err)
	}

	routes := cfg.Routes
	if len(routes) == 0 {
		routes = []netip.Prefix{cfg.Address.Masked()}
	}
	for _, r := range routes {
		dst := prefixToIPNet(r.Masked())
		if err := nl.RouteReplace(&netlink.Route{LinkIndex: link.Attrs().Index, Dst: dst}); err != nil {
			return fmt.Errorf("route replace %s: %w", r, err)
		}
	}
	return nil
}

func teardown(nl netlinkAPI, name string, remove bool) error {
	link, err := nl.LinkByName(name)
	if err != nil {
		var notFound netlink.LinkNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("lookup link %s: %w", name, err)
	}
	if remove {
		if err := nl.LinkDel(link); err != nil {
			return fmt.Errorf("link del %s: %w", name, err)
		}
		return nil
	}
	if err := nl.LinkSetDown(link); err != nil {
		return fmt.Errorf("link set down %s: %w", name, err)
	}
	return nil
}

func prefixToIPNet(p netip.Prefix) *net.IPNet {
	addr := p.Addr().Unmap()
	bits := 32
	if addr.Is6() {
		bits = 128
	}
	return &net.IPNet{IP: addr.AsSlice(), Mask: net.CIDRMask(p.Bits(), bits)}
}
