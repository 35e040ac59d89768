package e2ee

import (
	"context"
	"errors"
	"math"
	"net"
	"sync"
	"time"
)

// ErrSeqExhausted indicates a direction ran out of record sequence numbers.
// Sequence numbers never wrap; a connection that exhausts them must be
// re-established with fresh keys.
var ErrSeqExhausted = errors.New("record seq exhausted")

// SecureChannel is the byte-oriented secure stream produced by a completed
// handshake. It implements net.Conn so a mux session can run directly on top
// of it: Write encrypts into one or more FSEC records, Read decrypts records
// and buffers any plaintext the caller's slice cannot hold. Ping records are
// consumed transparently on the read path.
//
// Read and Write are each safe for one concurrent caller, matching net.Conn.
type SecureChannel struct {
	t                BinaryTransport
	maxRecordBytes   int
	maxBufferedBytes int

	readMu  sync.Mutex
	readBuf []byte

	writeMu sync.Mutex

	ks RecordKeyState // Seq/key state; recv fields under readMu, send fields under writeMu.

	deadlineMu    sync.Mutex
	readDeadline  time.Time
	writeDeadline time.Time

	closeOnce sync.Once
	closeErr  error
}

// NewSecureChannel wraps a transport with the derived record key state.
// maxBufferedBytes bounds plaintext held for a caller whose Read slice is
// smaller than a record; it must be at least the record plaintext size.
func NewSecureChannel(t BinaryTransport, ks RecordKeyState, maxRecordBytes int, maxBufferedBytes int) *SecureChannel {
	if maxRecordBytes <= 0 {
		maxRecordBytes = 1 << 20
	}
	if maxBufferedBytes < MaxPlaintextBytes(maxRecordBytes) {
		maxBufferedBytes = MaxPlaintextBytes(maxRecordBytes)
	}
	return &SecureChannel{
		t:                t,
		maxRecordBytes:   maxRecordBytes,
		maxBufferedBytes: maxBufferedBytes,
		ks:               ks,
	}
}

func (c *SecureChannel) opCtx(deadline time.Time) (context.Context, context.CancelFunc) {
	if deadline.IsZero() {
		return context.Background(), func() {}
	}
	return context.WithDeadline(context.Background(), deadline)
}

// Read returns decrypted application bytes, consuming ping and rekey records
// internally. A record larger than the caller's slice is buffered and served
// by subsequent reads.
func (c *SecureChannel) Read(p []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	if len(c.readBuf) > 0 {
		n := copy(p, c.readBuf)
		c.readBuf = c.readBuf[n:]
		return n, nil
	}

	c.deadlineMu.Lock()
	deadline := c.readDeadline
	c.deadlineMu.Unlock()
	ctx, cancel := c.opCtx(deadline)
	defer cancel()

	for {
		frame, err := c.t.ReadBinary(ctx)
		if err != nil {
			return 0, err
		}
		if c.ks.RecvSeq == math.MaxUint64 {
			return 0, ErrSeqExhausted
		}
		flags, seq, plain, err := DecryptRecord(c.ks.RecvKey, c.ks.RecvNoncePre, frame, 0, c.maxRecordBytes)
		if err != nil {
			return 0, err
		}
		if seq != c.ks.RecvSeq {
			return 0, ErrRecordBadSeq
		}
		c.ks.RecvSeq++

		switch flags {
		case RecordFlagPing:
			continue
		case RecordFlagRekey:
			// The new key applies from the record after the rekey marker.
			next, err := DeriveRekeyKey(c.ks.RekeyBase, c.ks.Transcript, seq, c.ks.RecvDir)
			if err != nil {
				return 0, err
			}
			c.ks.RecvKey = next
			continue
		}
		if len(plain) == 0 {
			continue
		}
		if len(plain) > c.maxBufferedBytes {
			return 0, ErrRecordTooLarge
		}
		n := copy(p, plain)
		if n < len(plain) {
			c.readBuf = append(c.readBuf[:0], plain[n:]...)
		}
		return n, nil
	}
}

// Write encrypts p into as many records as needed and returns len(p) once
// every record has been handed to the transport.
func (c *SecureChannel) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.deadlineMu.Lock()
	deadline := c.writeDeadline
	c.deadlineMu.Unlock()
	ctx, cancel := c.opCtx(deadline)
	defer cancel()

	if len(p) == 0 {
		return 0, nil
	}
	maxChunk := MaxPlaintextBytes(c.maxRecordBytes)
	written := 0
	for written < len(p) {
		chunk := p[written:]
		if len(chunk) > maxChunk {
			chunk = chunk[:maxChunk]
		}
		if err := c.writeRecordLocked(ctx, RecordFlagApp, chunk); err != nil {
			return written, err
		}
		written += len(chunk)
	}
	return written, nil
}

// Ping sends an empty keepalive record at the next send sequence.
func (c *SecureChannel) Ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.deadlineMu.Lock()
	deadline := c.writeDeadline
	c.deadlineMu.Unlock()
	ctx, cancel := c.opCtx(deadline)
	defer cancel()

	return c.writeRecordLocked(ctx, RecordFlagPing, nil)
}

func (c *SecureChannel) writeRecordLocked(ctx context.Context, flags RecordFlag, plaintext []byte) error {
	if c.ks.SendSeq == math.MaxUint64 {
		return ErrSeqExhausted
	}
	frame, err := EncryptRecord(c.ks.SendKey, c.ks.SendNoncePre, flags, c.ks.SendSeq, plaintext, c.maxRecordBytes)
	if err != nil {
		return err
	}
	if err := c.t.WriteBinary(ctx, frame); err != nil {
		return err
	}
	c.ks.SendSeq++
	return nil
}

// Close tears down the underlying transport. Safe to call more than once.
func (c *SecureChannel) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.t.Close()
	})
	return c.closeErr
}

// secureAddr is the placeholder net.Addr for a SecureChannel; the underlying
// carrier address is not visible through BinaryTransport.
type secureAddr struct{}

func (secureAddr) Network() string { return "e2ee" }
func (secureAddr) String() string  { return "e2ee" }

func (c *SecureChannel) LocalAddr() net.Addr  { return secureAddr{} }
func (c *SecureChannel) RemoteAddr() net.Addr { return secureAddr{} }

// SetDeadline implements net.Conn by setting both read and write deadlines.
func (c *SecureChannel) SetDeadline(t time.Time) error {
	c.deadlineMu.Lock()
	c.readDeadline = t
	c.writeDeadline = t
	c.deadlineMu.Unlock()
	return nil
}

func (c *SecureChannel) SetReadDeadline(t time.Time) error {
	c.deadlineMu.Lock()
	c.readDeadline = t
	c.deadlineMu.Unlock()
	return nil
}

func (c *SecureChannel) SetWriteDeadline(t time.Time) error {
	c.deadlineMu.Lock()
	c.writeDeadline = t
	c.deadlineMu.Unlock()
	return nil
}
