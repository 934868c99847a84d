package emu

import (
	"strings"

	"github.com/VegardSkui/Rockhopper/bootloader/uefi"
)

// console forwards ConOut output to Config.Console.
type console struct {
	fw *Firmware
}

func (c *console) Reset(_ bool) error {
	if c.fw.exited {
		return uefi.Unsupported
	}
	return nil
}

func (c *console) OutputString(s string) error {
	if c.fw.exited {
		return uefi.Unsupported
	}

	if _, err := c.fw.cfg.Console.Write([]byte(strings.ReplaceAll(s, "\r\n", "\n"))); err != nil {
		return uefi.DeviceError
	}
	return nil
}

// graphicsOutput exposes a single 32-bit BGRX mode.
type graphicsOutput struct {
	fw *Firmware
}

func (g graphicsOutput) Mode() uefi.GraphicsOutputMode {
	cfg := g.fw.cfg

	return uefi.GraphicsOutputMode{
		MaxMode: 1,
		Mode:    0,
		Info: uefi.GraphicsOutputModeInformation{
			HorizontalResolution: cfg.Width,
			VerticalResolution:   cfg.Height,
			PixelFormat:          uefi.PixelBlueGreenRedReserved8BitPerColor,
			PixelsPerScanLine:    cfg.Width,
		},
		FrameBufferBase: cfg.FrameBufferBase,
		FrameBufferSize: uint64(cfg.Width) * uint64(cfg.Height) * 4,
	}
}
