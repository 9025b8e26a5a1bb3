package netmgr

import (
	"fmt"
	"net"

	"github.com/juju/errors"
	"github.com/temoto/uplink/log2"
	"github.com/vishvananda/netlink"
)

// linkOps is subset of netlink used here, *netlink.Handle satisfies it.
type linkOps interface {
	LinkByName(name string) (netlink.Link, error)
	LinkSetUp(link netlink.Link) error
	LinkSetDown(link netlink.Link) error
	AddrList(link netlink.Link, family int) ([]netlink.Addr, error)
}

// Link is wired medium managed by kernel/DHCP client, only administrative
// state is changed here.
type Link struct {
	log   *log2.Log
	iface string
	kind  string
	ops   linkOps
}

var _ Transport = &Link{}

func NewEthernet(log *log2.Log, iface string) (*Link, error) {
	h, err := netlink.NewHandle()
	if err != nil {
		return nil, errors.Annotate(err, "netlink handle")
	}
	return newLink(log, "ethernet", iface, h), nil
}

func newLink(log *log2.Log, kind, iface string, ops linkOps) *Link {
	return &Link{log: log, iface: iface, kind: kind, ops: ops}
}

func (self *Link) String() string { return self.kind + "/" + self.iface }

func (self *Link) On() error {
	l, err := self.ops.LinkByName(self.iface)
	if err != nil {
		return errors.Annotatef(err, "link %s", self.iface)
	}
	if l.Attrs().Flags&net.FlagUp != 0 {
		return nil
	}
	self.log.Debugf("netmgr %s set up", self)
	return errors.Annotatef(self.ops.LinkSetUp(l), "link %s up", self.iface)
}

func (self *Link) Off() error {
	l, err := self.ops.LinkByName(self.iface)
	if err != nil {
		return errors.Annotatef(err, "link %s", self.iface)
	}
	return errors.Annotatef(self.ops.LinkSetDown(l), "link %s down", self.iface)
}

// IsConnected requires operational link and routable address.
func (self *Link) IsConnected() bool {
	l, err := self.ops.LinkByName(self.iface)
	if err != nil {
		return false
	}
	attrs := l.Attrs()
	switch attrs.OperState {
	case netlink.OperUp:
	case netlink.OperUnknown:
		// some drivers never report oper state
		if attrs.Flags&net.FlagUp == 0 {
			return false
		}
	default:
		return false
	}
	return self.hasGlobalAddr(l)
}

func (self *Link) hasGlobalAddr(l netlink.Link) bool {
	addrs, err := self.ops.AddrList(l, netlink.FAMILY_ALL)
	if err != nil {
		self.log.Debugf("netmgr %s addr list err=%v", self, err)
		return false
	}
	for _, a := range addrs {
		if a.IP != nil && a.IP.IsGlobalUnicast() {
			return true
		}
	}
	return false
}

// IsConfigured wired link needs no credentials, present is enough.
func (self *Link) IsConfigured() bool {
	_, err := self.ops.LinkByName(self.iface)
	return err == nil
}

func (self *Link) Status() string {
	l, err := self.ops.LinkByName(self.iface)
	if err != nil {
		return "absent"
	}
	attrs := l.Attrs()
	return fmt.Sprintf("oper=%s mac=%s connected=%t", attrs.OperState, attrs.HardwareAddr, self.IsConnected())
}
