package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"agendasync/internal/database"
	"agendasync/internal/models"

	"github.com/rs/zerolog"
)

// Requeues failed calendar jobs after an outage, e.g. revoked credentials.
// The running worker picks them up on its next poll.
func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	var (
		dbPath        = flag.String("db", "./data/agendasync.db", "path to sqlite db")
		reservationID = flag.String("reservation", "", "only jobs of this reservation")
		limit         = flag.Int("limit", models.MaxJobListLimit, "max jobs to requeue")
		spread        = flag.Duration("spread", 0, "delay added between consecutive jobs")
		dryRun        = flag.Bool("dry-run", false, "list jobs without requeueing")
	)
	flag.Parse()

	db, err := database.NewDB(*dbPath, &logger)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	jobs, err := db.ListSyncJobs(ctx, database.SyncJobFilter{
		Status:        models.JobStatusFailed,
		ReservationID: *reservationID,
		Limit:         *limit,
	})
	if err != nil {
		return fmt.Errorf("list failed jobs: %w", err)
	}

	now := time.Now()
	requeued := 0
	// oldest first so the per-reservation order is kept
	for i := len(jobs) - 1; i >= 0; i-- {
		job := jobs[i]
		if *dryRun {
			fmt.Printf("job %d reservation=%s action=%s attempts=%d error=%q\n",
				job.ID, job.ReservationID, job.Action, job.Attempts, derefString(job.LastError))
			continue
		}
		availableAt := now.Add(time.Duration(requeued) * *spread)
		if _, err := db.RequeueSyncJob(ctx, job.ID, availableAt, now); err != nil {
			return fmt.Errorf("requeue job %d: %w", job.ID, err)
		}
		requeued++
	}

	fmt.Printf("done: failed=%d requeued=%d\n", len(jobs), requeued)
	return nil
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
