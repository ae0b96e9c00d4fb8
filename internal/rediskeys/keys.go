// Package rediskeys centralizes the Redis key and stream schema shared
// with the web-facing API.
package rediskeys

import "fmt"

// Stream names consumed by the runner. Each has one consumer group,
// named "<stream>:runners".
const (
	SessionInitStream = "work_sessions:init:stream"
	SessionJobStream  = "work_sessions:jobs:stream"
	SessionPushStream = "work_sessions:push:stream"

	// LegacyJobStream carries single-shot jobs that clone, run and push
	// in one message.
	LegacyJobStream = "jobs:stream"
)

// Group returns the consumer-group name for a stream.
func Group(stream string) string {
	return stream + ":runners"
}

// WorkSessionKey returns the hash key holding a session entity.
func WorkSessionKey(sessionID string) string {
	return fmt.Sprintf("work_session:%s", sessionID)
}

// WorkSessionOutputKey returns the list key holding a session's output log.
func WorkSessionOutputKey(sessionID string) string {
	return fmt.Sprintf("work_session:%s:output", sessionID)
}

// JobKey returns the hash key holding a job entity.
func JobKey(jobID string) string {
	return fmt.Sprintf("job:%s", jobID)
}

// JobOutputKey returns the list key holding a legacy job's output log.
func JobOutputKey(jobID string) string {
	return fmt.Sprintf("job:%s:output", jobID)
}

// GitProviderKey returns the hash key holding an encrypted git provider
// credential.
func GitProviderKey(userID, providerID string) string {
	return fmt.Sprintf("git_provider:%s:%s", userID, providerID)
}

// UserRunningKey returns the admission counter key for a user.
func UserRunningKey(userID string) string {
	return fmt.Sprintf("runner:user:%s:running", userID)
}
