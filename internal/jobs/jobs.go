package jobs

import (
	"log"
	"time"

	"github.com/go-co-op/gocron"
)

const (
	// CatalogRefreshJobID refreshes the cached plugin center catalog.
	CatalogRefreshJobID = "plugin-center-refresh"
	// ChallengeExpiryJobID aborts plugin-center logins that were never completed.
	ChallengeExpiryJobID = "plugin-center-challenge-expiry"
)

// StartJobs starts the background job scheduler. Jobs have to be registered
// with the job manager before; unregistered jobs are not scheduled.
func StartJobs(app JobContext) *gocron.Scheduler {
	s := gocron.NewScheduler(time.UTC)
	s.SingletonModeAll()

	scheduleJob(s, app, CatalogRefreshJobID, app.Config().Plugins.RefreshInterval)
	scheduleJob(s, app, ChallengeExpiryJobID, 1)

	log.Println("Starting background job scheduler...")
	s.StartAsync()
	return s
}

func scheduleJob(s *gocron.Scheduler, app JobContext, jobID string, interval int) {
	if interval <= 0 {
		log.Printf("Interval of '%s' is 0, scheduled runs are disabled.", jobID)
		return
	}
	if !app.JobManager().IsRegistered(jobID) {
		log.Printf("Job '%s' is not registered, skipping schedule.", jobID)
		return
	}

	log.Printf("Scheduling job: '%s' to run every %d minutes.", jobID, interval)

	_, err := s.Every(interval).Minutes().Do(func() {
		log.Println("Scheduler is triggering job:", jobID)
		// Submit the job to the manager instead of running it directly.
		// This prevents conflicts with manually triggered jobs.
		err := app.JobManager().RunJob(jobID, app)
		if err != nil {
			log.Printf("Scheduled job '%s' could not start: %v", jobID, err)
		}
	})
	if err != nil {
		log.Printf("Error scheduling '%s' job: %v", jobID, err)
	}
}
