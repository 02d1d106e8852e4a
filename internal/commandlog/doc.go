// Package commandlog keeps an SQLite record of every command the device
// queues executed: what was sent, when it was planned, when it actually
// went out and whether it failed.
//
// The Recorder is a conductor observer. It never writes on the goroutine
// that reports the command; entries are buffered and written by Run, and
// are dropped (and counted) when the buffer is full.
//
// # Usage
//
//	repo := commandlog.NewSQLiteRepository(db.DB)
//	rec := commandlog.NewRecorder(repo, 0, log)
//	c.AddObserver(rec)
//	go rec.Run(ctx)
//
//	res, err := repo.List(ctx, commandlog.Filter{DeviceID: "atem", Limit: 20})
package commandlog
