// Package syncer serializes every read and write of the persisted sourcemap.
//
// A Syncer owns one worker goroutine that takes jobs from a FIFO queue. Each
// patch batch runs as a full load-apply-save cycle on that worker, so two
// batches never interleave and a batch always observes the result of every
// batch that arrived before it. Tree reads go through the same queue.
//
// # Usage
//
//	s, err := syncer.New(syncer.Config{
//	    Store:   sourcemap.NewStore(dir),
//	    Journal: j, // optional
//	    OnApplied: func(r syncer.Result) {
//	        log.Printf("batch %s applied", r.BatchID)
//	    },
//	})
//	if err != nil {
//	    return err
//	}
//	if err := s.Start(); err != nil {
//	    return err
//	}
//	defer s.Stop()
//
//	res, err := s.Apply(ctx, patches)
//
// # Cancellation
//
// A caller whose context is cancelled while its job is still queued gets
// ctx.Err() and the job is skipped. Once the worker has picked a job up it
// runs to completion and the caller waits for it, so a batch is never
// half-reported.
//
// # Failures
//
// A batch that addresses a missing node is rejected with an error wrapping
// errs.ErrAddress. Load and save failures wrap errs.ErrFormat or
// errs.ErrFileSystem. In both cases nothing is persisted and the worker
// keeps serving later jobs.
package syncer
