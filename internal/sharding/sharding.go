package sharding

import (
	"fmt"
	"hash/crc32"
)

// ShardCount is the fixed number of partitions for workspace event fan-out.
const ShardCount = 1024

// GetShardID calculates the deterministic shard ID for a workspace.
func GetShardID(workspaceID string) int {
	checksum := crc32.ChecksumIEEE([]byte(workspaceID))
	return int(checksum % ShardCount)
}

// EventSubject returns the NATS subject event notices for a workspace are
// published on. Format: ws.event.{shard_id}.workspace.{workspace_id}
func EventSubject(workspaceID string) string {
	return fmt.Sprintf("ws.event.%d.workspace.%s", GetShardID(workspaceID), workspaceID)
}

// WorkspaceWildcard subscribes to every shard for a single workspace.
func WorkspaceWildcard(workspaceID string) string {
	return fmt.Sprintf("ws.event.*.workspace.%s", workspaceID)
}
