package connector

import (
	"context"
	"io"
	"time"
)

const (
	// copyChunkSize bounds cancellation latency: the context is checked
	// between chunks of this size.
	copyChunkSize = 64 * 1024

	// Progress is reported when either gate opens, so observers are not
	// flooded on fast links and not starved on slow ones.
	progressByteGate = 256 * 1024
	progressTimeGate = 200 * time.Millisecond
)

// gatedSink wraps a ProgressSink with byte-delta and time gating.
type gatedSink struct {
	sink      ProgressSink
	total     int64
	lastSent  int64
	lastEmit  time.Time
}

func newGatedSink(sink ProgressSink) *gatedSink {
	return &gatedSink{sink: sink, lastEmit: time.Now()}
}

// add accumulates n transferred bytes and emits if a gate opened.
func (g *gatedSink) add(n int) {
	g.total += int64(n)
	if g.sink == nil {
		return
	}
	if g.total-g.lastSent >= progressByteGate || time.Since(g.lastEmit) >= progressTimeGate {
		g.emit()
	}
}

// flush emits the final byte count unconditionally.
func (g *gatedSink) flush() {
	if g.sink == nil || g.total == g.lastSent {
		return
	}
	g.emit()
}

func (g *gatedSink) emit() {
	g.sink(g.total)
	g.lastSent = g.total
	g.lastEmit = time.Now()
}

// copyWithProgress streams src into dst in bounded chunks, reporting gated
// progress and honoring ctx between chunks. It returns the bytes written and
// a cancelled-kind error if the context ended the copy.
func copyWithProgress(ctx context.Context, op string, dst io.Writer, src io.Reader, sink ProgressSink) (int64, error) {
	gs := newGatedSink(sink)
	buf := make([]byte, copyChunkSize)

	for {
		if err := ctx.Err(); err != nil {
			return gs.total, &Error{Kind: KindCancelled, Op: op, Err: err}
		}

		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return gs.total, wrap(KindIO, op, werr)
			}
			gs.add(n)
		}
		if rerr == io.EOF {
			gs.flush()
			return gs.total, nil
		}
		if rerr != nil {
			return gs.total, wrap(KindIO, op, rerr)
		}
	}
}

// progressReader counts bytes as they are consumed, for transfers where the
// protocol library drives the read loop (e.g. FTP STOR). The context is
// checked on every Read call, which the library issues per chunk.
type progressReader struct {
	ctx  context.Context
	op   string
	r    io.Reader
	gs   *gatedSink
}

func newProgressReader(ctx context.Context, op string, r io.Reader, sink ProgressSink) *progressReader {
	return &progressReader{ctx: ctx, op: op, r: r, gs: newGatedSink(sink)}
}

func (p *progressReader) Read(b []byte) (int, error) {
	if err := p.ctx.Err(); err != nil {
		return 0, &Error{Kind: KindCancelled, Op: p.op, Err: err}
	}
	n, err := p.r.Read(b)
	if n > 0 {
		p.gs.add(n)
	}
	if err == io.EOF {
		p.gs.flush()
	}
	return n, err
}
