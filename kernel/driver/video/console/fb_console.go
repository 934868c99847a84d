package console

import (
	"image/color"
	"io"

	"github.com/VegardSkui/Rockhopper/kernel"
	"github.com/VegardSkui/Rockhopper/kernel/kfmt"
)

// bytesPerPixel is fixed by the framebuffer format the firmware hands over
// (32-bit BGRX).
const bytesPerPixel = 4

// FbConsole is a text console drawing glyphs on a 32bpp linear framebuffer.
type FbConsole struct {
	mem    Memory
	fbAddr uint64

	// Console dimensions in pixels
	width  uint32
	height uint32

	// Size of a row in bytes
	pitch uint32

	// Console dimensions in characters
	font          *Font
	widthInChars  uint32
	heightInChars uint32

	palette   color.Palette
	defaultFg uint8
	defaultBg uint8

	// err records the first failed framebuffer access.
	err *kernel.Error
}

// NewFbConsole returns a console for the framebuffer visible at the virtual
// address fbAddr of mem.
func NewFbConsole(mem Memory, fbAddr uint64, width, height, pixelsPerScanLine uint32) *FbConsole {
	return &FbConsole{
		mem:    mem,
		fbAddr: fbAddr,
		width:  width,
		height: height,
		pitch:  pixelsPerScanLine * bytesPerPixel,
		// white text on a dark gray background
		defaultFg: 15,
		defaultBg: 16,
	}
}

// SetFont selects a bitmap font to be used by the console.
func (cons *FbConsole) SetFont(f *Font) {
	if f == nil {
		return
	}

	cons.font = f
	cons.widthInChars = cons.width / f.GlyphWidth
	cons.heightInChars = cons.height / f.GlyphHeight
}

// Dimensions returns the console width and height in the specified dimension.
func (cons *FbConsole) Dimensions(dim Dimension) (uint32, uint32) {
	switch dim {
	case Characters:
		return cons.widthInChars, cons.heightInChars
	default:
		return cons.width, cons.height
	}
}

// DefaultColors returns the default foreground and background colors
// used by this console.
func (cons *FbConsole) DefaultColors() (fg uint8, bg uint8) {
	return cons.defaultFg, cons.defaultBg
}

// Palette returns the active color palette for this console.
func (cons *FbConsole) Palette() color.Palette {
	return cons.palette
}

// Err returns the first error encountered while accessing the framebuffer.
func (cons *FbConsole) Err() *kernel.Error {
	return cons.err
}

// Clear paints the whole framebuffer with the default background color.
func (cons *FbConsole) Clear() {
	cons.fillPixels(0, 0, cons.width, cons.height, cons.defaultBg)
}

// Fill sets the contents of the specified rectangular region to the requested
// color. Both x and y coordinates are 1-based.
func (cons *FbConsole) Fill(x, y, width, height uint32, _, bg uint8) {
	if cons.font == nil || cons.widthInChars == 0 || cons.heightInChars == 0 {
		return
	}

	// clip rectangle
	x = min(max(x, 1), cons.widthInChars)
	y = min(max(y, 1), cons.heightInChars)
	width = min(width, cons.widthInChars-x+1)
	height = min(height, cons.heightInChars-y+1)

	cons.fillPixels(
		(x-1)*cons.font.GlyphWidth,
		(y-1)*cons.font.GlyphHeight,
		width*cons.font.GlyphWidth,
		height*cons.font.GlyphHeight,
		bg,
	)
}

// Scroll the console contents to the specified direction. The caller
// is responsible for updating (e.g. clear or replace) the contents of
// the region that was scrolled.
func (cons *FbConsole) Scroll(dir ScrollDir, lines uint32) {
	if cons.font == nil || lines == 0 || lines > cons.heightInChars {
		return
	}

	var (
		shift   = lines * cons.font.GlyphHeight
		textEnd = cons.heightInChars * cons.font.GlyphHeight
		row     = make([]byte, cons.width*bytesPerPixel)
	)

	switch dir {
	case ScrollDirUp:
		for pY := shift; pY < textEnd; pY++ {
			cons.copyRow(row, pY, pY-shift)
		}
	case ScrollDirDown:
		for pY := textEnd - 1; pY >= shift; pY-- {
			cons.copyRow(row, pY-shift, pY)
		}
	}
}

// Write a char to the specified location. If fg or bg exceed the supported
// colors for this console, the palette's first color is used. Both x and y
// coordinates are 1-based.
func (cons *FbConsole) Write(ch byte, fg, bg uint8, x, y uint32) {
	if x < 1 || x > cons.widthInChars || y < 1 || y > cons.heightInChars || cons.font == nil {
		return
	}

	var (
		pX      = (x - 1) * cons.font.GlyphWidth
		pY      = (y - 1) * cons.font.GlyphHeight
		fgPixel = cons.pixel(fg)
		bgPixel = cons.pixel(bg)
		row     = make([]byte, cons.font.GlyphWidth*bytesPerPixel)
	)

	for gY := uint32(0); gY < cons.font.GlyphHeight; gY++ {
		for gX := uint32(0); gX < cons.font.GlyphWidth; gX++ {
			pixel := bgPixel
			if cons.font.pixelSet(ch, gX, gY) {
				pixel = fgPixel
			}
			copy(row[gX*bytesPerPixel:], pixel[:])
		}

		cons.write(cons.fbOffset(pX, pY+gY), row)
	}
}

// fillPixels paints a rectangle given in pixel coordinates.
func (cons *FbConsole) fillPixels(pX, pY, pW, pH uint32, colorIndex uint8) {
	pixel := cons.pixel(colorIndex)
	row := make([]byte, pW*bytesPerPixel)
	for i := 0; i < len(row); i += bytesPerPixel {
		copy(row[i:], pixel[:])
	}

	for ; pH > 0; pH, pY = pH-1, pY+1 {
		cons.write(cons.fbOffset(pX, pY), row)
	}
}

// copyRow copies pixel row src to pixel row dst using buf as scratch space.
func (cons *FbConsole) copyRow(buf []byte, src, dst uint32) {
	if err := cons.mem.Read(cons.fbAddr+uint64(cons.fbOffset(0, src)), buf); err != nil {
		cons.setErr(err)
		return
	}
	cons.write(cons.fbOffset(0, dst), buf)
}

func (cons *FbConsole) write(offset uint32, data []byte) {
	if err := cons.mem.Write(cons.fbAddr+uint64(offset), data); err != nil {
		cons.setErr(err)
	}
}

func (cons *FbConsole) setErr(err *kernel.Error) {
	if cons.err == nil {
		cons.err = err
	}
}

// pixel encodes a palette entry in the framebuffer's BGRX byte order.
func (cons *FbConsole) pixel(colorIndex uint8) [bytesPerPixel]byte {
	if int(colorIndex) >= len(cons.palette) {
		colorIndex = 0
	}

	if len(cons.palette) == 0 {
		return [bytesPerPixel]byte{}
	}

	r, g, b, _ := cons.palette[colorIndex].RGBA()
	return [bytesPerPixel]byte{byte(b >> 8), byte(g >> 8), byte(r >> 8), 0}
}

// fbOffset returns the linear offset into the framebuffer that corresponds to
// the pixel at (x,y).
func (cons *FbConsole) fbOffset(x, y uint32) uint32 {
	return (y * cons.pitch) + (x * bytesPerPixel)
}

// loadDefaultPalette sets up the 16 EGA colors followed by the console
// background color.
func (cons *FbConsole) loadDefaultPalette() {
	cons.palette = color.Palette{
		color.RGBA{R: 0, G: 0, B: 0, A: 255},       /* black */
		color.RGBA{R: 0, G: 0, B: 128, A: 255},     /* blue */
		color.RGBA{R: 0, G: 128, B: 1, A: 255},     /* green */
		color.RGBA{R: 0, G: 128, B: 128, A: 255},   /* cyan */
		color.RGBA{R: 128, G: 0, B: 1, A: 255},     /* red */
		color.RGBA{R: 128, G: 0, B: 128, A: 255},   /* magenta */
		color.RGBA{R: 64, G: 64, B: 1, A: 255},     /* brown */
		color.RGBA{R: 128, G: 128, B: 128, A: 255}, /* light gray */
		color.RGBA{R: 64, G: 64, B: 64, A: 255},    /* dark gray */
		color.RGBA{R: 0, G: 0, B: 255, A: 255},     /* light blue */
		color.RGBA{R: 0, G: 255, B: 1, A: 255},     /* light green */
		color.RGBA{R: 0, G: 255, B: 255, A: 255},   /* light cyan */
		color.RGBA{R: 255, G: 0, B: 1, A: 255},     /* light red */
		color.RGBA{R: 255, G: 0, B: 255, A: 255},   /* light magenta */
		color.RGBA{R: 255, G: 255, B: 1, A: 255},   /* yellow */
		color.RGBA{R: 255, G: 255, B: 255, A: 255}, /* white */
		color.RGBA{R: 0x33, G: 0x33, B: 0x33, A: 255},
	}
}

// DriverName returns the name of this driver.
func (cons *FbConsole) DriverName() string {
	return "fb_console"
}

// DriverVersion returns the version of this driver.
func (cons *FbConsole) DriverVersion() (uint16, uint16, uint16) {
	return 0, 1, 0
}

// DriverInit loads the palette and the default font and clears the screen.
func (cons *FbConsole) DriverInit(w io.Writer) *kernel.Error {
	cons.loadDefaultPalette()
	if cons.font == nil {
		cons.SetFont(DefaultFont())
	}

	cons.Clear()
	if cons.err != nil {
		return cons.err
	}

	kfmt.Fprintf(w, "framebuffer at 0x%x: %dx%d pixels, %dx%d characters (font: %s)\n",
		cons.fbAddr, cons.width, cons.height, cons.widthInChars, cons.heightInChars, cons.font.Name,
	)
	return nil
}
