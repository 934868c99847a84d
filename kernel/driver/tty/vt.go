// Package tty implements the text terminal the kernel prints through.
package tty

import (
	"io"

	"github.com/VegardSkui/Rockhopper/kernel"
	"github.com/VegardSkui/Rockhopper/kernel/driver/video/console"
)

// DefaultTabWidth defines the number of spaces that tabs expand to.
const DefaultTabWidth = 4

// VT implements a terminal on top of a console device. Output that reaches
// the bottom of the console scrolls the console contents up by one line. The
// terminal interprets the following special characters:
//   - \r (carriage-return)
//   - \n (line-feed)
//   - \b (backspace)
//   - \t (tab; expanded to tabWidth spaces)
type VT struct {
	cons console.Device

	// Terminal dimensions in characters
	width  uint32
	height uint32

	tabWidth         uint8
	defaultFg, curFg uint8
	defaultBg, curBg uint8
	cursorX          uint32
	cursorY          uint32
}

// NewVT creates a new virtual terminal device. The tabWidth parameter controls
// tab expansion.
func NewVT(tabWidth uint8) *VT {
	return &VT{
		tabWidth: tabWidth,
		cursorX:  1,
		cursorY:  1,
	}
}

// AttachTo connects a TTY to a console instance.
func (t *VT) AttachTo(cons console.Device) {
	if cons == nil {
		return
	}

	t.cons = cons
	t.width, t.height = cons.Dimensions(console.Characters)
	t.defaultFg, t.defaultBg = cons.DefaultColors()
	t.curFg, t.curBg = t.defaultFg, t.defaultBg
	t.cursorX, t.cursorY = 1, 1
}

// SetColors changes the colors used for subsequent writes.
func (t *VT) SetColors(fg, bg uint8) {
	t.curFg, t.curBg = fg, bg
}

// Clear fills the console with the default background color and moves the
// cursor to the top-left corner.
func (t *VT) Clear() {
	if t.cons == nil {
		return
	}

	t.cons.Fill(1, 1, t.width, t.height, t.defaultFg, t.defaultBg)
	t.cursorX, t.cursorY = 1, 1
}

// CursorPosition returns the current cursor position.
func (t *VT) CursorPosition() (uint32, uint32) {
	return t.cursorX, t.cursorY
}

// SetCursorPosition sets the current cursor position to (x,y). The position
// is clipped to the console dimensions.
func (t *VT) SetCursorPosition(x, y uint32) {
	if t.cons == nil {
		return
	}

	t.cursorX = min(max(x, 1), t.width)
	t.cursorY = min(max(y, 1), t.height)
}

// Write implements io.Writer.
func (t *VT) Write(data []byte) (int, error) {
	for count, b := range data {
		err := t.WriteByte(b)
		if err != nil {
			return count, err
		}
	}

	return len(data), nil
}

// WriteByte implements io.ByteWriter.
func (t *VT) WriteByte(b byte) error {
	if t.cons == nil || t.width == 0 || t.height == 0 {
		return io.ErrClosedPipe
	}

	switch b {
	case '\r':
		t.cursorX = 1
	case '\n':
		t.lf()
	case '\b':
		if t.cursorX > 1 {
			t.cursorX--
			t.cons.Write(' ', t.curFg, t.curBg, t.cursorX, t.cursorY)
		}
	case '\t':
		for i := uint8(0); i < t.tabWidth; i++ {
			t.doWrite(' ')
		}
	default:
		t.doWrite(b)
	}

	return nil
}

// doWrite writes b at the cursor position and advances the cursor, wrapping
// to the next line when the end of the current line is reached.
func (t *VT) doWrite(b byte) {
	t.cons.Write(b, t.curFg, t.curBg, t.cursorX, t.cursorY)

	t.cursorX++
	if t.cursorX > t.width {
		t.lf()
	}
}

// lf moves the cursor to the start of the next line scrolling the console
// contents if the cursor is already on the last line.
func (t *VT) lf() {
	t.cursorX = 1

	if t.cursorY < t.height {
		t.cursorY++
		return
	}

	t.cons.Scroll(console.ScrollDirUp, 1)
	t.cons.Fill(1, t.cursorY, t.width, 1, t.defaultFg, t.defaultBg)
}

// DriverName returns the name of this driver.
func (t *VT) DriverName() string {
	return "vt"
}

// DriverVersion returns the version of this driver.
func (t *VT) DriverVersion() (uint16, uint16, uint16) {
	return 0, 0, 1
}

// DriverInit clears the attached console.
func (t *VT) DriverInit(_ io.Writer) *kernel.Error {
	t.Clear()
	return nil
}
