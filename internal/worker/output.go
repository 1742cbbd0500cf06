package worker

import (
	"io"
	"strings"
	"sync"
)

// prefixWriter interleaves the output of concurrent jobs on one writer.
// Every line is prefixed with its job id; a job's partial line is held
// until it is completed or the job finishes, so lines of different jobs
// never mix.
type prefixWriter struct {
	mu      sync.Mutex
	w       io.Writer
	partial map[string]string // job id -> unterminated tail
}

func newPrefixWriter(w io.Writer) *prefixWriter {
	return &prefixWriter{w: w, partial: make(map[string]string)}
}

func (p *prefixWriter) write(jobID, data string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	data = p.partial[jobID] + data
	cut := strings.LastIndexByte(data, '\n')
	if cut < 0 {
		p.partial[jobID] = data
		return
	}
	if rest := data[cut+1:]; rest != "" {
		p.partial[jobID] = rest
	} else {
		delete(p.partial, jobID)
	}

	var b strings.Builder
	for line := range strings.SplitSeq(data[:cut], "\n") {
		b.WriteString("[" + jobID + "] " + line + "\n")
	}
	_, _ = io.WriteString(p.w, b.String())
}

// finish writes out whatever is left of a job's unterminated line.
func (p *prefixWriter) finish(jobID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if rest, ok := p.partial[jobID]; ok {
		delete(p.partial, jobID)
		_, _ = io.WriteString(p.w, "["+jobID+"] "+rest+"\n")
	}
}
