package protocol

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"io"
	"sync"

	"github.com/paratest-core/paratest/errors"
)

// Conn is a framed, bidirectional Envelope channel over an io.Reader and
// io.Writer, e.g. a worker subprocess's stdin/stdout pipes.
type Conn struct {
	r   *bufio.Reader
	w   io.Writer
	wmu sync.Mutex
}

// NewConn wraps r/w in a framed Envelope codec.
func NewConn(r io.Reader, w io.Writer) *Conn {
	return &Conn{r: bufio.NewReader(r), w: w}
}

// Send encodes and writes one Envelope, framed with a 4-byte big-endian
// length prefix. Safe for concurrent use.
//
// Each Send encodes with a fresh gob.Encoder over a fresh buffer rather
// than reusing one Encoder/Decoder pair across the connection's
// lifetime: gob's type descriptors are only valid against the Decoder
// that received them in order, which would force every frame through a
// single serialized encode-then-flush path. Framing each Envelope
// independently costs re-sending the type descriptors in every frame
// but lets concurrent callers hold only the write-side mutex, not a
// whole-connection encode lock.
func (c *Conn) Send(env *Envelope) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(env); err != nil {
		return errors.Wrap(err, "encoding envelope")
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()

	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(buf.Len()))
	if _, err := c.w.Write(hdr[:]); err != nil {
		return errors.Wrap(err, "writing frame header")
	}
	if _, err := c.w.Write(buf.Bytes()); err != nil {
		return errors.Wrap(err, "writing frame body")
	}
	return nil
}

// Recv reads and decodes the next Envelope. It returns io.EOF when the
// peer has closed the connection cleanly.
func (c *Conn) Recv() (*Envelope, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(c.r, hdr[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, io.EOF
		}
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(c.r, buf); err != nil {
		return nil, errors.Wrap(err, "reading frame body")
	}
	var env Envelope
	if err := gob.NewDecoder(bytes.NewReader(buf)).Decode(&env); err != nil {
		return nil, errors.Wrap(err, "decoding envelope")
	}
	return &env, nil
}
