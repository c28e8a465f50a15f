package domain

const (
	// DispatchQueueName definition stage dispatch queue name
	DispatchQueueName = "stage_dispatch"
	// DispatchRetryQueueName holding queue for delayed retries; messages
	// expire into DispatchQueueName via dead-lettering, so a scheduled
	// retry survives a process restart
	DispatchRetryQueueName = "stage_dispatch_retry"
)

// DispatchMessage 定義 stage 派工訊息
// One message per stage attempt. Workers claim it by winning the ledger's
// compare-and-swap transition; losers drop the message silently.
type DispatchMessage struct {
	JobID      string `json:"job_id"`
	StageIndex int    `json:"stage_index"`
	Attempt    int    `json:"attempt"`
}
