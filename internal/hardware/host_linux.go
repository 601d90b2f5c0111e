//go:build linux

package hardware

import (
	"github.com/Mellanox/rdmamap"
	"github.com/vishvananda/netlink"
)

func listRdmaDevices() []string {
	return rdmamap.GetRdmaDeviceList()
}

func rdmaCharDevices(name string) []string {
	return rdmamap.GetRdmaCharDevices(name)
}

func rdmaLinkByName(name string) (*LinkInfo, error) {
	link, err := netlink.RdmaLinkByName(name)
	if err != nil {
		return nil, err
	}

	return &LinkInfo{
		Index:           link.Attrs.Index,
		FirmwareVersion: link.Attrs.FirmwareVersion,
		NodeGUID:        link.Attrs.NodeGuid,
		SysImageGUID:    link.Attrs.SysImageGuid,
	}, nil
}
