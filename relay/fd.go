package relay

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// IDWidth is the size in bytes of one identifier record on the wire.
const IDWidth = 4

// IDWriter writes identifiers as fixed-width host-native integers with no
// framing. A reader must know IDWidth in advance.
type IDWriter struct {
	w   io.Writer
	buf [IDWidth]byte
}

// NewIDWriter returns an IDWriter writing to w.
func NewIDWriter(w io.Writer) *IDWriter {
	return &IDWriter{w: w}
}

// WriteID writes one record.
func (w *IDWriter) WriteID(id int32) error {
	binary.NativeEndian.PutUint32(w.buf[:], uint32(id))
	if _, err := w.w.Write(w.buf[:]); err != nil {
		return fmt.Errorf("relay: write id %d: %w", id, err)
	}

	return nil
}

// IDReader reads records written by IDWriter.
type IDReader struct {
	r   io.Reader
	buf [IDWidth]byte
}

// NewIDReader returns an IDReader reading from r.
func NewIDReader(r io.Reader) *IDReader {
	return &IDReader{r: r}
}

// ReadID reads one record. It returns io.EOF when the stream ends on a record
// boundary and io.ErrUnexpectedEOF when it ends inside one.
func (r *IDReader) ReadID() (int32, error) {
	if _, err := io.ReadFull(r.r, r.buf[:]); err != nil {
		return 0, err
	}

	return int32(binary.NativeEndian.Uint32(r.buf[:])), nil
}

type filer interface {
	File() (*os.File, error)
}

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

// FDWriter relays connections by writing their descriptor numbers with the
// IDWriter format. The numbers only mean something to a consumer that shares
// this process's descriptor table, so FDWriter keeps a duplicate of every
// relayed descriptor open until Close.
type FDWriter struct {
	w   io.Writer
	ids *IDWriter

	mu   sync.Mutex
	held map[int32]*os.File
}

// NewFDWriter returns an FDWriter writing records to w.
func NewFDWriter(w io.Writer) *FDWriter {
	return &FDWriter{
		w:    w,
		ids:  NewIDWriter(w),
		held: make(map[int32]*os.File),
	}
}

// Relay implements Writer. On success the connection itself is closed; the
// duplicate descriptor whose number was written stays open.
func (w *FDWriter) Relay(ctx context.Context, h Handle) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	fc, ok := h.Conn.(filer)
	if !ok {
		return fmt.Errorf("%w: %T", ErrNoDescriptor, h.Conn)
	}

	f, err := fc.File()
	if err != nil {
		return fmt.Errorf("relay: dup connection %d: %w", h.ID, err)
	}

	if d, ok := w.w.(writeDeadliner); ok {
		stop := context.AfterFunc(ctx, func() { _ = d.SetWriteDeadline(time.Unix(1, 0)) })
		defer stop()
	}

	fd := int32(f.Fd())
	if err := w.ids.WriteID(fd); err != nil {
		_ = f.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}

		return err
	}

	w.mu.Lock()
	w.held[fd] = f
	w.mu.Unlock()

	_ = h.Conn.Close()
	return nil
}

// Held returns how many relayed descriptors are being kept open.
func (w *FDWriter) Held() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.held)
}

// Close releases every held descriptor.
func (w *FDWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var errs []error
	for fd, f := range w.held {
		errs = append(errs, f.Close())
		delete(w.held, fd)
	}

	return errors.Join(errs...)
}
