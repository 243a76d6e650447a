package dto

import "time"

type CreateJobRequest struct {
	Handler string      `json:"handler" binding:"required"`
	Args    []any       `json:"args"`
	Queue   string      `json:"queue"`
	At      *time.Time  `json:"at"`
	Options *JobOptions `json:"options"`
}

// JobOptions mirrors producer.Options; durations are in seconds
type JobOptions struct {
	Timeout   float64 `json:"timeout" binding:"gte=0"`
	Replicate int     `json:"replicate" binding:"gte=0"`
	Delay     int     `json:"delay" binding:"gte=0"`
	Retry     int     `json:"retry" binding:"gte=0"`
	TTL       int     `json:"ttl" binding:"gte=0"`
	MaxLen    *int    `json:"maxlen" binding:"omitempty,gte=0"`
	Async     *bool   `json:"async"`
}

type CreateJobResponse struct {
	JobID   string `json:"job_id"`
	Queue   string `json:"queue"`
	Handler string `json:"handler"`
}

type QueueResponse struct {
	Queue  string `json:"queue"`
	Length int64  `json:"length"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
