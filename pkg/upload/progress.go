package upload

import "sync/atomic"

// Progress accumulates byte and task counts across all uploads of one sync
// session. It is safe for concurrent use.
type Progress struct {
	total    atomic.Int64
	done     atomic.Int64
	started  atomic.Int64
	finished atomic.Int64
}

type ProgressSnapshot struct {
	Total    int64
	Done     int64
	Started  int64
	Finished int64
}

func (p *Progress) addTotal(n int64) {
	p.total.Add(n)
}

func (p *Progress) advance(n int64) {
	p.done.Add(n)
}

func (p *Progress) startTask() {
	p.started.Add(1)
}

func (p *Progress) finishTask() {
	p.finished.Add(1)
}

func (p *Progress) Snapshot() ProgressSnapshot {
	return ProgressSnapshot{
		Total:    p.total.Load(),
		Done:     p.done.Load(),
		Started:  p.started.Load(),
		Finished: p.finished.Load(),
	}
}

// progressReader reports bytes read from a Source and takes them back when
// the source is rewound.
type progressReader struct {
	source   Source
	progress *Progress
	sent     int64
}

func newProgressReader(source Source, progress *Progress) *progressReader {
	return &progressReader{
		source:   source,
		progress: progress,
	}
}

func (r *progressReader) Read(p []byte) (int, error) {
	n, err := r.source.Read(p)
	if n > 0 {
		r.sent += int64(n)
		r.progress.advance(int64(n))
	}
	return n, err
}

func (r *progressReader) Reset() error {
	r.progress.advance(-r.sent)
	r.sent = 0
	return r.source.Reset()
}
