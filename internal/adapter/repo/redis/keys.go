package redisrepo

// Store key layout. These literals are the wire contract with the store
// and with workers that read it directly.
const (
	keyPending    = "jobs:pending"
	keyCompleted  = "jobs:completed"
	keyFailed     = "jobs:failed"
	keyCancelled  = "jobs:cancelled"
	keyUnworkable = "jobs:unworkable"

	keyWorkersActive  = "workers:active"
	keyWorkersOffline = "workers:offline"

	activeBucketPrefix = "jobs:active:"
	jobPrefix          = "job:"
	workerPrefix       = "worker:"
)

func jobKey(id string) string { return jobPrefix + id }

func activeBucketKey(workerID string) string { return activeBucketPrefix + workerID }

func workerKey(id string) string { return workerPrefix + id }

func heartbeatKey(workerID string) string { return workerPrefix + workerID + ":heartbeat" }

func workflowKey(id string) string { return "workflow:" + id + ":metadata" }
