package batchjob

import "batchbridge/internal/batch"

// Resolve computes the pool a job runs on.
//
// Precedence per field: the job's own value, then the activity binding, then
// the service-wide defaults. Strings use the first non-empty value. A count set
// on the job wins even when zero; binding and default counts only apply when
// positive. Fields absent everywhere stay empty; Validate reports them.
func Resolve(job Job, binding, defaults Defaults) batch.PoolSpec {
	spec := batch.PoolSpec{
		ID:                     firstString(job.PoolID, binding.PoolID, defaults.PoolID),
		VMSize:                 firstString(job.PoolVMSize, binding.PoolVMSize, defaults.PoolVMSize),
		TargetDedicatedNodes:   firstCount(job.PoolNodeCount, binding.PoolNodeCount, defaults.PoolNodeCount),
		TargetLowPriorityNodes: firstCount(job.PoolLowPriorityNodeCount, binding.PoolLowPriorityNodeCount, defaults.PoolLowPriorityNodeCount),
		NodeAgentSKUID:         firstString(job.NodeAgentSKUID, binding.NodeAgentSKUID, defaults.NodeAgentSKUID),
	}

	switch {
	case job.ImageReference != nil:
		spec.ImageReference = *job.ImageReference
	case !binding.ImageReference.IsZero():
		spec.ImageReference = binding.ImageReference
	default:
		spec.ImageReference = defaults.ImageReference
	}

	return spec
}

func firstString(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstCount(perCall *int, fallbacks ...int) int {
	if perCall != nil {
		return *perCall
	}
	for _, v := range fallbacks {
		if v > 0 {
			return v
		}
	}
	return 0
}
