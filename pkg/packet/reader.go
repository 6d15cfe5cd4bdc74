package packet

import (
	"io"
	"sync"
)

// Reader reads MQTT packets from a byte stream.
// It accumulates bytes until Decode stops reporting ErrIncompletePacket.
type Reader struct {
	r             io.Reader
	buf           []byte
	pos           int
	end           int
	maxPacketSize int // 0 = MaxPacketSize
}

// NewReader creates a new packet reader.
func NewReader(r io.Reader, bufSize int) *Reader {
	if bufSize < 1024 {
		bufSize = 1024
	}
	return &Reader{
		r:   r,
		buf: make([]byte, bufSize),
	}
}

// SetMaxPacketSize limits the size of packets the reader accepts.
func (r *Reader) SetMaxPacketSize(n int) {
	r.maxPacketSize = n
}

// fill reads more data into the buffer.
func (r *Reader) fill() error {
	// Shift remaining data to the beginning
	if r.pos > 0 {
		copy(r.buf, r.buf[r.pos:r.end])
		r.end -= r.pos
		r.pos = 0
	}

	// Grow buffer if needed
	if r.end == len(r.buf) {
		newBuf := make([]byte, len(r.buf)*2)
		copy(newBuf, r.buf)
		r.buf = newBuf
	}

	n, err := r.r.Read(r.buf[r.end:])
	if n > 0 {
		r.end += n
		return nil
	}
	if err == nil {
		err = io.ErrNoProgress
	}
	return err
}

// available returns the number of unread bytes in the buffer.
func (r *Reader) available() int {
	return r.end - r.pos
}

// ReadPacket blocks until a complete packet has been read and decoded.
// A clean end of stream between packets returns io.EOF; ending in the middle of
// a packet returns io.ErrUnexpectedEOF.
func (r *Reader) ReadPacket() (Packet, error) {
	for {
		if r.available() > 0 {
			pkt, n, err := Decode(r.buf[r.pos:r.end])
			if err == nil {
				r.pos += n
				return pkt, nil
			}
			if err != ErrIncompletePacket {
				return nil, err
			}
			if err := r.checkSize(); err != nil {
				return nil, err
			}
		}

		if err := r.fill(); err != nil {
			if err == io.EOF && r.available() > 0 {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
	}
}

// checkSize rejects a packet whose announced length exceeds the limit before
// the reader buffers it.
func (r *Reader) checkSize() error {
	limit := r.maxPacketSize
	if limit <= 0 {
		limit = MaxPacketSize
	}
	_, _, remainingLength, headerLen, err := DecodeFixedHeader(r.buf[r.pos:r.end])
	if err != nil {
		return nil
	}
	if headerLen+int(remainingLength) > limit {
		return ErrPacketTooLarge
	}
	return nil
}

// BufferPool provides a pool of reusable buffers for packet encoding.
var BufferPool = sync.Pool{
	New: func() any {
		buf := make([]byte, 4096)
		return &buf
	},
}

// GetBuffer returns a buffer from the pool.
func GetBuffer() []byte {
	return *BufferPool.Get().(*[]byte)
}

// PutBuffer returns a buffer to the pool.
func PutBuffer(buf []byte) {
	// Only return buffers of reasonable size
	if cap(buf) <= 65536 {
		buf = buf[:cap(buf)]
		BufferPool.Put(&buf)
	}
}
