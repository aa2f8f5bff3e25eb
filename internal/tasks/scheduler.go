// Package tasks schedules exact-time deadline callbacks through Google Cloud
// Tasks. Each deadline gets an HTTP task that fires the cron expire endpoint
// at the moment the turn times out, so forfeits land on time instead of
// waiting for the next reconciler tick. The reconciler stays on as the
// catch-all; a lost task only delays the forfeit by one sweep interval.
package tasks

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	cloudtasks "cloud.google.com/go/cloudtasks/apiv2"
	taskspb "cloud.google.com/go/cloudtasks/apiv2/cloudtaskspb"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// Scheduler enqueues deadline tasks. Nil-safe: a nil *Scheduler skips
// scheduling, leaving the reconciler alone to expire deadlines.
type Scheduler struct {
	client     *cloudtasks.Client
	queuePath  string
	targetBase string // e.g. https://api.example.com/internal/cron
	cronSecret string
	logger     *log.Logger
}

// NewScheduler connects to the Cloud Tasks queue. targetBase is the public
// base URL of this service's cron endpoints; cronSecret authenticates the
// callback the same way scheduled cron calls do.
func NewScheduler(projectID, locationID, queueID, targetBase, cronSecret string) (*Scheduler, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := cloudtasks.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("cloudtasks.NewClient: %w", err)
	}

	s := &Scheduler{
		client:     client,
		queuePath:  fmt.Sprintf("projects/%s/locations/%s/queues/%s", projectID, locationID, queueID),
		targetBase: strings.TrimRight(targetBase, "/"),
		cronSecret: cronSecret,
		logger:     log.New(log.Writer(), "[TASKS] ", log.LstdFlags),
	}
	s.logger.Printf("Connected to Cloud Tasks queue: %s", s.queuePath)
	return s, nil
}

// ScheduleGameExpiry enqueues a callback to the game expire endpoint at the
// deadline. The task name derives from game + deadline, so rescheduling the
// same deadline twice dedupes at the queue.
func (s *Scheduler) ScheduleGameExpiry(ctx context.Context, gameID string, deadline time.Time) error {
	if s == nil {
		return nil
	}
	return s.enqueue(ctx,
		fmt.Sprintf("expire-game-%s-%d", gameID, deadline.Unix()),
		s.targetBase+"/expire-game?id="+gameID,
		deadline)
}

// ScheduleSessionExpiry enqueues a callback for a live session turn timer.
func (s *Scheduler) ScheduleSessionExpiry(ctx context.Context, sessionID string, deadline time.Time) error {
	if s == nil {
		return nil
	}
	return s.enqueue(ctx,
		fmt.Sprintf("expire-session-%s-%d", sessionID, deadline.Unix()),
		s.targetBase+"/expire-session?id="+sessionID,
		deadline)
}

func (s *Scheduler) enqueue(ctx context.Context, name, url string, at time.Time) error {
	req := &taskspb.CreateTaskRequest{
		Parent: s.queuePath,
		Task: &taskspb.Task{
			Name:         s.queuePath + "/tasks/" + name,
			ScheduleTime: timestamppb.New(at),
			MessageType: &taskspb.Task_HttpRequest{
				HttpRequest: &taskspb.HttpRequest{
					HttpMethod: taskspb.HttpMethod_POST,
					Url:        url,
					Headers: map[string]string{
						"X-Cron-Secret": s.cronSecret,
					},
				},
			},
		},
	}

	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := s.client.CreateTask(cctx, req); err != nil {
		// AlreadyExists means the same deadline was scheduled before.
		if strings.Contains(err.Error(), "AlreadyExists") {
			return nil
		}
		return fmt.Errorf("cloud task enqueue: %w", err)
	}
	return nil
}

// Close shuts down the Cloud Tasks client.
func (s *Scheduler) Close() error {
	if s == nil {
		return nil
	}
	return s.client.Close()
}
