package generation

import (
	"context"
	"time"
)

// StubRunner simulates the rendering pipeline for local development. It
// paces progress per requested page and honors the run deadline.
type StubRunner struct {
	// PerPage is the simulated render time for one page.
	PerPage time.Duration
}

var _ Runner = (*StubRunner)(nil)

func (r *StubRunner) Run(ctx context.Context, s *Session, report func(progress int)) error {
	perPage := r.PerPage
	if perPage <= 0 {
		perPage = 200 * time.Millisecond
	}
	for page := 1; page <= s.RequestedPages; page++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(perPage):
		}
		report(page * 100 / s.RequestedPages)
	}
	return nil
}
