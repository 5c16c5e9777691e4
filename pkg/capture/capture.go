// Package capture records raw scale payloads to a CBOR stream and replays
// them through the decoding / stabilization pipeline
package capture

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/fako1024/btfitscale/pkg/etekcity/codec"
	"github.com/fako1024/btfitscale/pkg/etekcity/stabilizer"
	"github.com/fako1024/btfitscale/pkg/scale"
	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

// Record denotes one captured payload
type Record struct {
	Session   uuid.UUID    `cbor:"1,keyasint"`
	TimeStamp time.Time    `cbor:"2,keyasint"`
	Address   string       `cbor:"3,keyasint,omitempty"`
	Origin    scale.Origin `cbor:"4,keyasint"`
	Data      []byte       `cbor:"5,keyasint"`
}

// Payload returns the raw payload of the record
func (r Record) Payload() scale.RawPayload {
	return scale.RawPayload{
		Origin: r.Origin,
		Data:   r.Data,
	}
}

var encMode = func() cbor.EncMode {
	em, err := cbor.EncOptions{
		Time: cbor.TimeRFC3339Nano,
	}.EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

// Writer denotes a capture writer, appending one record per payload
type Writer struct {
	session uuid.UUID
	now     func() time.Time

	mu  sync.Mutex
	enc *cbor.Encoder
}

// NewWriter instantiates a new Writer on top of w, executing functional
// options, if any
func NewWriter(w io.Writer, options ...func(*Writer)) *Writer {
	cw := &Writer{
		session: uuid.New(),
		now:     time.Now,
		enc:     encMode.NewEncoder(w),
	}

	// Execute functional options (if any)
	for _, option := range options {
		option(cw)
	}

	return cw
}

// WithSession sets the session id all records are tagged with
func WithSession(id uuid.UUID) func(*Writer) {
	return func(w *Writer) {
		w.session = id
	}
}

// WithClock sets the time source for the record timestamps
func WithClock(now func() time.Time) func(*Writer) {
	return func(w *Writer) {
		w.now = now
	}
}

// Session returns the session id of the writer
func (w *Writer) Session() uuid.UUID {
	return w.session
}

// Record appends a payload received from the scale at the given address
func (w *Writer) Record(p scale.RawPayload, address string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.enc.Encode(Record{
		Session:   w.session,
		TimeStamp: w.now(),
		Address:   address,
		Origin:    p.Origin,
		Data:      p.Data,
	}); err != nil {
		return fmt.Errorf("failed to encode capture record: %w", err)
	}

	return nil
}

// Reader denotes a capture reader
type Reader struct {
	dec *cbor.Decoder
}

// NewReader instantiates a new Reader on top of r
func NewReader(r io.Reader) *Reader {
	return &Reader{
		dec: cbor.NewDecoder(r),
	}
}

// Next returns the next record, io.EOF once the capture is exhausted
func (r *Reader) Next() (Record, error) {
	var rec Record
	if err := r.dec.Decode(&rec); err != nil {
		if errors.Is(err, io.EOF) {
			return Record{}, io.EOF
		}
		return Record{}, fmt.Errorf("failed to decode capture record: %w", err)
	}

	return rec, nil
}

// ReadAll reads all records of a capture
func ReadAll(r io.Reader) ([]Record, error) {
	var (
		cr   = NewReader(r)
		recs []Record
	)
	for {
		rec, err := cr.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return recs, nil
			}
			return recs, err
		}
		recs = append(recs, rec)
	}
}

// Replay decodes the records of a capture and feeds them to a stabilizer,
// using the recorded timestamps as clock. fn is called for each finalized
// measurement, the number of replayed records is returned
func Replay(r io.Reader, cfg stabilizer.Config, fn func(stabilizer.Measurement)) (int, error) {
	st, err := stabilizer.New(cfg)
	if err != nil {
		return 0, err
	}

	var (
		cr = NewReader(r)
		n  int
	)
	for {
		rec, err := cr.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return n, err
		}
		n++

		expire(st, rec.TimeStamp, fn)

		frames, err := codec.Decode(rec.Payload())
		if err != nil {
			continue
		}
		for _, f := range frames {
			var (
				m  stabilizer.Measurement
				ok bool
			)
			switch frame := f.(type) {
			case codec.WeightSample:
				m, ok = st.AddWeight(frame, rec.TimeStamp)
			case codec.ImpedanceSample:
				m, ok = st.AddImpedance(frame, rec.TimeStamp)
			}
			if ok {
				fn(m)
			}
		}
	}

	// Drain all pending deadlines
	expire(st, time.Time{}, fn)

	return n, nil
}

// expire ticks all deadlines of the stabilizer up to until (all of them, if
// until is zero)
func expire(st *stabilizer.Stabilizer, until time.Time, fn func(stabilizer.Measurement)) {
	for {
		deadline, ok := st.Deadline()
		if !ok || (!until.IsZero() && until.Before(deadline)) {
			return
		}
		if m, ok := st.Tick(deadline); ok {
			fn(m)
		}
	}
}
