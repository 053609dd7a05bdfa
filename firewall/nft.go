// Package firewall provides an optional nftables-backed implementation of
// device.FirewallFunc: a denylist of single addresses, mirrored into a
// kernel-side nftables set (visible to other nft tooling; no rule in this
// package references it) and enforced by an in-memory cache consulted on
// the packet's hot path, so a single Allow call never blocks on a netlink
// round trip.
package firewall

import (
	"fmt"
	"io"
	"net"
	"net/netip"
	"sync"

	nft "github.com/google/nftables"
)

// Config controls the backing table/set names. The zero value leaves every
// name empty; DefaultConfig supplies usable names.
type Config struct {
	TableName string
	SetName4  string
	SetName6  string
}

// DefaultConfig names the table/sets this package owns, distinct from any
// preexisting distro ruleset.
func DefaultConfig() Config {
	return Config{
		TableName: "wgtun_filter",
		SetName4:  "wgtun_denylist4",
		SetName6:  "wgtun_denylist6",
	}
}

// Denylist is a kernel-synced set of blocked address prefixes, exposed as a
// device.FirewallFunc via Allow. Only single addresses (not arbitrary
// prefixes) are supported by the nftables interval-less sets used here;
// callers wanting prefix-level blocking should stick to /32 and /128.
type Denylist struct {
	cfg  Config
	conn *nft.Conn
	tbl  *nft.Table
	set4 *nft.Set
	set6 *nft.Set

	mu      sync.RWMutex
	blocked map[netip.Addr]struct{}
}

// NewDenylist opens a lasting netlink connection and ensures the table/sets
// this Denylist manages exist, creating them if necessary. Requires
// CAP_NET_ADMIN.
func NewDenylist() (*Denylist, error) { return NewDenylistWithConfig(DefaultConfig()) }

func NewDenylistWithConfig(cfg Config) (*Denylist, error) {
	c, err := nft.New(nft.AsLasting())
	if err != nil {
		return nil, fmt.Errorf("firewall: nftables conn: %w", err)
	}
	d := &Denylist{cfg: cfg, conn: c, blocked: make(map[netip.Addr]struct{})}
	if err := d.ensureTableAndSets(); err != nil {
		_ = c.CloseLasting()
		return nil, err
	}
	return d, nil
}

func (d *Denylist) ensureTableAndSets() error {
	d.tbl = &nft.Table{Family: nft.TableFamilyINet, Name: d.cfg.TableName}
	d.conn.AddTable(d.tbl)

	d.set4 = &nft.Set{
		Table:   d.tbl,
		Name:    d.cfg.SetName4,
		KeyType: nft.TypeIPAddr,
	}
	if err := d.conn.AddSet(d.set4, nil); err != nil {
		return fmt.Errorf("firewall: add v4 set: %w", err)
	}

	d.set6 = &nft.Set{
		Table:   d.tbl,
		Name:    d.cfg.SetName6,
		KeyType: nft.TypeIP6Addr,
	}
	if err := d.conn.AddSet(d.set6, nil); err != nil {
		return fmt.Errorf("firewall: add v6 set: %w", err)
	}

	if err := d.conn.Flush(); err != nil {
		return fmt.Errorf("firewall: flush table/sets: %w", err)
	}
	return nil
}

// Block adds addr to the denylist, both in the kernel set (so external
// nft-aware tooling sees it) and the in-memory cache consulted by Allow.
func (d *Denylist) Block(addr netip.Addr) error {
	addr = addr.Unmap()
	set := d.set4
	if addr.Is6() {
		set = d.set6
	}
	elem := nft.SetElement{Key: addr.AsSlice()}
	if err := d.conn.SetAddElements(set, []nft.SetElement{elem}); err != nil {
		return fmt.Errorf("firewall: block %s: %w", addr, err)
	}
	if err := d.conn.Flush(); err != nil {
		return fmt.Errorf("firewall: flush block %s: %w", addr, err)
	}
	d.mu.Lock()
	d.blocked[addr] = struct{}{}
	d.mu.Unlock()
	return nil
}

// Unblock removes addr from the denylist.
func (d *Denylist) Unblock(addr netip.Addr) error {
	addr = addr.Unmap()
	set := d.set4
	if addr.Is6() {
		set = d.set6
	}
	elem := nft.SetElement{Key: addr.AsSlice()}
	if err := d.conn.SetDeleteElements(set, []nft.SetElement{elem}); err != nil {
		return fmt.Errorf("firewall: unblock %s: %w", addr, err)
	}
	if err := d.conn.Flush(); err != nil {
		return fmt.Errorf("firewall: flush unblock %s: %w", addr, err)
	}
	d.mu.Lock()
	delete(d.blocked, addr)
	d.mu.Unlock()
	return nil
}

// Allow implements device.FirewallFunc: true permits the packet, false
// drops it. tunWriter is unused here — this implementation never writes a
// rejection back, it only filters.
func (d *Denylist) Allow(dst net.IP, _ []byte, _ io.Writer) bool {
	addr, ok := netip.AddrFromSlice(dst)
	if !ok {
		return true
	}
	addr = addr.Unmap()
	d.mu.RLock()
	_, blocked := d.blocked[addr]
	d.mu.RUnlock()
	return !blocked
}

// Close releases the netlink connection. It does not remove the table or
// its sets; a new Denylist starts with an empty in-memory cache, so Allow
// does not block addresses left in the kernel sets by an earlier run.
func (d *Denylist) Close() error {
	if d == nil || d.conn == nil {
		return nil
	}
	return d.conn.CloseLasting()
}
