// Package console is the home for the small collaborator device kernel_putc
// and kernel_puts write through: whatever Tty the board bring-up code has
// registered as active. The actual hardware (UART, framebuffer, mailbox) is
// a board-specific driver the core never touches directly; this package
// only needs a terminal abstraction to write lines into.
package console

import (
	"io"

	"github.com/bolthur/kernel-sub005/kernel/driver/tty"
)

// Console is a minimal scrolling text terminal that satisfies tty.Tty by
// writing through to an underlying sink (a UART, a framebuffer glyph
// renderer, or — in tests — a bytes.Buffer). Unlike the teacher's VGA/VESA
// consoles, Console carries no notion of a hardware-specific pixel format:
// color and font selection are a board concern, out of CORE scope.
type Console struct {
	sink io.ByteWriter

	width, height uint16
	x, y          uint16
}

// NewConsole creates a Console of the given dimensions that writes through
// to sink.
func NewConsole(sink io.ByteWriter, width, height uint16) *Console {
	return &Console{sink: sink, width: width, height: height}
}

// Write implements io.Writer.
func (c *Console) Write(p []byte) (int, error) {
	for _, b := range p {
		if err := c.WriteByte(b); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

// WriteByte implements io.ByteWriter, advancing the cursor and handling the
// small set of control characters the kernel_putc contract needs.
func (c *Console) WriteByte(b byte) error {
	switch b {
	case '\n':
		c.x = 0
		c.advanceLine()
	case '\r':
		c.x = 0
	case '\b':
		if c.x > 0 {
			c.x--
		}
	default:
		if err := c.sink.WriteByte(b); err != nil {
			return err
		}
		c.x++
		if c.x >= c.width {
			c.x = 0
			c.advanceLine()
		}
	}
	return nil
}

func (c *Console) advanceLine() {
	c.y++
	if c.y >= c.height {
		c.y = c.height - 1
	}
}

// Position returns the current cursor position (x, y).
func (c *Console) Position() (uint16, uint16) {
	return c.x, c.y
}

// SetPosition sets the current cursor position to (x, y), clipped to the
// console's dimensions.
func (c *Console) SetPosition(x, y uint16) {
	if x >= c.width {
		x = c.width - 1
	}
	if y >= c.height {
		y = c.height - 1
	}
	c.x, c.y = x, y
}

// Clear resets the cursor to the top-left corner. Erasing the underlying
// sink's contents is the sink's own responsibility (e.g. a framebuffer
// driver clearing its backing memory); Console only tracks cursor state.
func (c *Console) Clear() {
	c.x, c.y = 0, 0
}

var _ tty.Tty = (*Console)(nil)
