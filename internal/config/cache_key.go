package config

import (
	"fmt"
)

type CacheKeyStruct struct{}

func NewCacheKeyStruct() *CacheKeyStruct {
	return &CacheKeyStruct{}
}

// SessionSnapshotKey returns the cache key holding a session's resumable snapshot
func (r *CacheKeyStruct) SessionSnapshotKey(sessionID string) string {
	return fmt.Sprintf("proctor:session:%s:snapshot", sessionID)
}

// ActiveSessionKey returns the cache key pointing at a user's in-progress session for a test
func (r *CacheKeyStruct) ActiveSessionKey(userID int, testID string) string {
	return fmt.Sprintf("proctor:user:%d:test:%s:active_session", userID, testID)
}

// TestMonitorChannel returns the Redis PubSub channel carrying live audit records for a test
func (r *CacheKeyStruct) TestMonitorChannel(testID string) string {
	return fmt.Sprintf("proctor:test:%s:monitor", testID)
}

var CacheKey = NewCacheKeyStruct()
