//go:build !linux

package hardware

func listRdmaDevices() []string {
	return nil
}

func rdmaCharDevices(string) []string {
	return nil
}

func rdmaLinkByName(string) (*LinkInfo, error) {
	return nil, ErrLinkInfoUnavailable
}
