package batchjob

// eventPrefix namespaces completion events raised by signal tasks.
const eventPrefix = "batchjob-finished-"

// JobID derives the batch job id for a job created by an orchestration instance.
//
// Without an instance the caller's id is used unchanged. With an instance the id
// is "<instanceID>_<userJobID>", or just the instance id when userJobID is empty.
// The result is a pure function of its inputs so replays compute the same id.
func JobID(instanceID, userJobID string) string {
	switch {
	case instanceID == "":
		return userJobID
	case userJobID == "":
		return instanceID
	default:
		return instanceID + "_" + userJobID
	}
}

// EventName returns the external event raised when the given batch job finishes.
func EventName(jobID string) string {
	return eventPrefix + jobID
}
