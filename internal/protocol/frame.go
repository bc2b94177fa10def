package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrPayloadTooLarge is returned when a payload does not fit the 16-bit length field
	ErrPayloadTooLarge = errors.New("frame payload exceeds maximum size")

	// ErrConnectionBroken is returned when a frame could not be read in full
	ErrConnectionBroken = errors.New("connection broken")
)

// Frame represents a wire protocol frame.
// Header format (3 bytes):
//
//	Command [1 byte]  - Command
//	Length  [2 bytes] - Payload length (big-endian)
//
// The payload is UTF-8 text for every defined command.
type Frame struct {
	Command Command
	Payload []byte
}

// NewFrame builds a frame carrying payload as UTF-8 text.
func NewFrame(cmd Command, payload string) (Frame, error) {
	if len(payload) > MaxPayloadSize {
		return Frame{}, ErrPayloadTooLarge
	}
	var p []byte
	if payload != "" {
		p = []byte(payload)
	}
	return Frame{Command: cmd, Payload: p}, nil
}

// Text returns the payload as a string.
func (f Frame) Text() string {
	return string(f.Payload)
}

// Encode serializes the frame to bytes.
func (f Frame) Encode() ([]byte, error) {
	if len(f.Payload) > MaxPayloadSize {
		return nil, ErrPayloadTooLarge
	}

	buf := make([]byte, HeaderSize+len(f.Payload))
	buf[0] = byte(f.Command)
	binary.BigEndian.PutUint16(buf[1:3], uint16(len(f.Payload)))
	copy(buf[HeaderSize:], f.Payload)

	return buf, nil
}

// Encode serializes a command and text payload in one step.
func Encode(cmd Command, payload string) ([]byte, error) {
	f, err := NewFrame(cmd, payload)
	if err != nil {
		return nil, err
	}
	return f.Encode()
}

// Decode deserializes a complete frame from bytes.
func Decode(buf []byte) (Frame, error) {
	if len(buf) < HeaderSize {
		return Frame{}, fmt.Errorf("%w: header too short", ErrConnectionBroken)
	}

	length := int(binary.BigEndian.Uint16(buf[1:3]))
	if len(buf) < HeaderSize+length {
		return Frame{}, fmt.Errorf("%w: buffer too short for payload", ErrConnectionBroken)
	}

	payload := make([]byte, length)
	copy(payload, buf[HeaderSize:HeaderSize+length])

	return Frame{Command: Command(buf[0]), Payload: payload}, nil
}

// ReadFrame reads exactly one frame from r. Any short read or I/O error is
// reported wrapped in ErrConnectionBroken; callers treat it as a disconnect.
func ReadFrame(r io.Reader) (Frame, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Frame{}, fmt.Errorf("%w: read header: %w", ErrConnectionBroken, err)
	}

	length := int(binary.BigEndian.Uint16(header[1:3]))
	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, fmt.Errorf("%w: read payload: %w", ErrConnectionBroken, err)
		}
	}

	return Frame{Command: Command(header[0]), Payload: payload}, nil
}

// String returns a debug representation of the frame.
func (f Frame) String() string {
	return fmt.Sprintf("Frame{Command=%s, PayloadLen=%d}", f.Command, len(f.Payload))
}

// FrameReader reads frames from an io.Reader.
type FrameReader struct {
	r io.Reader
}

// NewFrameReader creates a new FrameReader.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: r}
}

// Read reads the next frame.
func (fr *FrameReader) Read() (Frame, error) {
	return ReadFrame(fr.r)
}

// FrameWriter writes frames to an io.Writer.
type FrameWriter struct {
	w io.Writer
}

// NewFrameWriter creates a new FrameWriter.
func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: w}
}

// Write writes a frame in a single call to the underlying writer.
func (fw *FrameWriter) Write(f Frame) error {
	data, err := f.Encode()
	if err != nil {
		return err
	}
	_, err = fw.w.Write(data)
	return err
}

// WriteCommand is a convenience method to write a command with a text payload.
func (fw *FrameWriter) WriteCommand(cmd Command, payload string) error {
	f, err := NewFrame(cmd, payload)
	if err != nil {
		return err
	}
	return fw.Write(f)
}
