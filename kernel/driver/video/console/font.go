package console

import (
	"image"

	"github.com/fogleman/gg"
	xfont "golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
)

// Font describes a bitmap font that can be used by a console device.
type Font struct {
	// The name of the font
	Name string

	// The width and height of each glyph in pixels.
	GlyphWidth  uint32
	GlyphHeight uint32

	// The number of bytes describing a row in a glyph.
	BytesPerRow uint32

	// The font bitmap. Each character consists of BytesPerRow * GlyphHeight
	// bytes where each bit indicates whether a pixel should be set to the
	// foreground or the background color.
	Data []byte
}

// glyphCount is the number of glyphs stored in a Font; glyphs are indexed
// by their byte value.
const glyphCount = 256

// DefaultFont returns the 7x13 fixed font used when no other font is
// selected.
func DefaultFont() *Font {
	return RasterizeFont("basic-7x13", basicfont.Face7x13)
}

// RasterizeFont renders the printable ASCII characters of a fixed-width face
// into a bitmap font.
func RasterizeFont(name string, face xfont.Face) *Font {
	var (
		metrics    = face.Metrics()
		advance, _ = face.GlyphAdvance('M')
		width      = advance.Ceil()
		height     = metrics.Height.Ceil()
	)

	f := &Font{
		Name:        name,
		GlyphWidth:  uint32(width),
		GlyphHeight: uint32(height),
		BytesPerRow: uint32(width+7) / 8,
	}
	f.Data = make([]byte, glyphCount*f.BytesPerRow*f.GlyphHeight)

	dc := gg.NewContext(width, height)
	dc.SetFontFace(face)

	for ch := '!'; ch <= '~'; ch++ {
		dc.SetRGB(0, 0, 0)
		dc.Clear()
		dc.SetRGB(1, 1, 1)
		dc.DrawString(string(ch), 0, float64(metrics.Ascent.Ceil()))

		f.storeGlyph(byte(ch), dc.Image())
	}

	return f
}

// storeGlyph packs the lit pixels of img into the bitmap slot for ch.
func (f *Font) storeGlyph(ch byte, img image.Image) {
	offset := uint32(ch) * f.BytesPerRow * f.GlyphHeight
	for y := uint32(0); y < f.GlyphHeight; y++ {
		for x := uint32(0); x < f.GlyphWidth; x++ {
			if r, _, _, _ := img.At(int(x), int(y)).RGBA(); r < 0x8000 {
				continue
			}

			f.Data[offset+y*f.BytesPerRow+x/8] |= 1 << (7 - x%8)
		}
	}
}

// pixelSet reports whether the glyph for ch has the pixel at (x, y) lit.
func (f *Font) pixelSet(ch byte, x, y uint32) bool {
	offset := uint32(ch)*f.BytesPerRow*f.GlyphHeight + y*f.BytesPerRow + x/8
	return f.Data[offset]&(1<<(7-x%8)) != 0
}
