package apk

import (
	"io"
	"sync"
)

// Progress accumulates the bytes copied across all archives of a session and
// reports each change of whole percentage.
type Progress struct {
	mu     sync.Mutex
	total  int64
	done   int64
	last   int
	report func(percent int)
}

// NewProgress tracks a copy of total bytes. A non-positive total reports
// only the start and Finish.
func NewProgress(total int64, report func(percent int)) *Progress {
	p := &Progress{total: total, last: -1, report: report}
	p.emit(0)
	return p
}

// Reader wraps r so that reads advance the progress.
func (p *Progress) Reader(r io.Reader) io.Reader { return &progressReader{r: r, p: p} }

// Finish reports completion.
func (p *Progress) Finish() { p.emit(100) }

func (p *Progress) add(n int64) {
	if p.total <= 0 {
		return
	}
	p.mu.Lock()
	p.done += n
	pct := int(p.done * 100 / p.total)
	p.mu.Unlock()
	p.emit(min(pct, 99))
}

func (p *Progress) emit(pct int) {
	p.mu.Lock()
	if pct <= p.last {
		p.mu.Unlock()
		return
	}
	p.last = pct
	p.mu.Unlock()
	p.report(pct)
}

type progressReader struct {
	r io.Reader
	p *Progress
}

func (pr *progressReader) Read(b []byte) (int, error) {
	n, err := pr.r.Read(b)
	if n > 0 {
		pr.p.add(int64(n))
	}
	return n, err
}
