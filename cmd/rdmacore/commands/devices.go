package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/piwi3910/rdmacore/internal/config"
	"github.com/piwi3910/rdmacore/internal/hardware"
	"github.com/piwi3910/rdmacore/internal/transport/rdma"
)

// NewDevicesCmd creates the devices command
func NewDevicesCmd(flags *GlobalFlags) *cobra.Command {
	var (
		host    bool
		asJSON  bool
		portNum int
	)

	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List RDMA devices",
		Long: `List the RDMA devices visible to the verbs backend, with the state of
the requested port and the GID that would be bound.

With --host the inventory is read from sysfs and netlink instead, without
opening any device.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flags.ConfigPath, config.Options{Backend: flags.Backend})
			if err != nil {
				return err
			}

			SetupLogging(cfg.LogLevel, flags.Debug)

			if portNum == 0 {
				portNum = cfg.RDMA.PortNum
			}

			if host {
				inv := hardware.NewDetector().Refresh()
				if asJSON {
					return printJSON(os.Stdout, inv)
				}

				printInventory(os.Stdout, inv)

				return nil
			}

			statuses, err := probeDevices(cfg, portNum)
			if err != nil {
				return err
			}

			if asJSON {
				return printJSON(os.Stdout, statuses)
			}

			printStatuses(os.Stdout, statuses)

			return nil
		},
	}

	cmd.Flags().BoolVar(&host, "host", false, "Read the host inventory instead of opening devices")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output JSON")
	cmd.Flags().IntVar(&portNum, "port", 0, "Port to bind (default from configuration)")

	return cmd
}

// probeDevices opens every device and binds portNum without provisioning
// any resources.
func probeDevices(cfg *config.Config, portNum int) ([]rdma.DeviceStatus, error) {
	v, err := rdma.NewBackend(cfg.RDMA.Backend)
	if err != nil {
		return nil, err
	}

	list, err := rdma.NewDeviceList(v, cfg.RDMA.DeviceConfig())
	if err != nil {
		return nil, err
	}
	defer func() { _ = list.Close() }()

	for _, d := range list.Devices() {
		if err := d.BindPort(portNum); err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", d.Name(), err)
		}
	}

	return list.Statuses(), nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	return enc.Encode(v)
}

func printStatuses(w io.Writer, statuses []rdma.DeviceStatus) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "DEVICE\tFIRMWARE\tPORT\tSTATE\tLINK\tGID INDEX\tGID")

	for _, s := range statuses {
		state := s.PortState
		if state == "" {
			state = "-"
		}

		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%d\t%s\n", s.Name, s.FWVer, s.PortNum, state, s.LinkLayer, s.GIDIndex, s.GID)
	}

	tw.Flush()
}

func printInventory(w io.Writer, inv hardware.Inventory) {
	if len(inv.Devices) == 0 {
		fmt.Fprintln(w, "No RDMA devices found")
		return
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "DEVICE\tTYPE\tFIRMWARE\tNODE GUID\tPORT\tSTATE\tLINK\tRATE")

	for _, dev := range inv.Devices {
		if len(dev.Ports) == 0 {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t-\t-\t-\t-\n", dev.Name, dev.NodeType, dev.FirmwareVer, dev.NodeGUID)
			continue
		}

		for _, p := range dev.Ports {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\t%d Gb/s\n",
				dev.Name, dev.NodeType, dev.FirmwareVer, dev.NodeGUID, p.Number, p.State, p.LinkLayer, p.Rate)
		}
	}

	tw.Flush()
}
