package uefi

import "strings"

// SystemTable is EFI_SYSTEM_TABLE.
type SystemTable struct {
	FirmwareVendor   string
	FirmwareRevision uint32

	// Revision encodes the UEFI specification version as major<<16 |
	// minor.
	Revision uint32

	ConOut       SimpleTextOutputProtocol
	BootServices BootServices
}

// RevisionMajorMinor splits Revision into its major and minor parts.
func (st *SystemTable) RevisionMajorMinor() (uint16, uint16) {
	return uint16(st.Revision >> 16), uint16(st.Revision)
}

// ConsoleWriter adapts a text output protocol to io.Writer. Line feeds are
// expanded to CR LF as expected by firmware consoles.
type ConsoleWriter struct {
	Out SimpleTextOutputProtocol
}

// Write implements io.Writer.
func (w ConsoleWriter) Write(p []byte) (int, error) {
	if err := w.Out.OutputString(strings.ReplaceAll(string(p), "\n", "\r\n")); err != nil {
		return 0, err
	}
	return len(p), nil
}
