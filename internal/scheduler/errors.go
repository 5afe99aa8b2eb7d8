package scheduler

import "errors"

var (
	ErrQueueFull        = errors.New("scheduler queue full")
	ErrTaskIDNotFound   = errors.New("task id not found")
	ErrTaskNotCompleted = errors.New("task not completed")

	ErrAlreadyStarted = errors.New("scheduler already started")
	ErrStopped        = errors.New("scheduler stopped")
)
