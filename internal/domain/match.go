package domain

// CapabilityAll is the sentinel that waives a capability check on either
// side of the match.
const CapabilityAll = "all"

// Matches reports whether this worker capability set can run the job.
// The first failing check rejects.
func (c Capabilities) Matches(j Job) bool {
	// Never hand a job back to the worker that just failed it.
	if j.LastFailedWorker != "" && j.LastFailedWorker == c.WorkerID {
		return false
	}
	if !containsString(c.Services, j.ServiceRequired) {
		return false
	}
	r := j.Requirements
	if r == nil {
		return c.allowsCustomer(j.CustomerID)
	}
	if r.ServiceType != "" && r.ServiceType != CapabilityAll && !containsString(c.Services, r.ServiceType) {
		return false
	}
	if !listSatisfies(c.Components, r.Component) {
		return false
	}
	if !listSatisfies(c.Workflows, r.Workflow) {
		return false
	}
	if !c.Hardware.Satisfies(r.Hardware) {
		return false
	}
	if len(r.Models) > 0 {
		service := r.ServiceType
		if service == "" || service == CapabilityAll {
			service = j.ServiceRequired
		}
		have := c.Models[service]
		for _, m := range r.Models {
			if !containsString(have, m) {
				return false
			}
		}
	}
	return c.allowsCustomer(j.CustomerID)
}

// Satisfies reports whether worker hardware meets the requirement floor.
// A zero field on the requirement side waives that check.
func (h HardwareSpecs) Satisfies(req HardwareSpecs) bool {
	if req.GPUCount > 0 && h.GPUCount < req.GPUCount {
		return false
	}
	if req.GPUMemoryGB > 0 && h.GPUMemoryGB < req.GPUMemoryGB {
		return false
	}
	if req.CPUCores > 0 && h.CPUCores < req.CPUCores {
		return false
	}
	if req.RAMGB > 0 && h.RAMGB < req.RAMGB {
		return false
	}
	return true
}

func (c Capabilities) allowsCustomer(customerID string) bool {
	if customerID == "" {
		return true
	}
	if c.CustomerAccess.Isolation != "strict" {
		return true
	}
	if containsString(c.CustomerAccess.Denied, customerID) {
		return false
	}
	if len(c.CustomerAccess.Allowed) > 0 {
		return containsString(c.CustomerAccess.Allowed, customerID)
	}
	return true
}

// listSatisfies applies the "all" sentinel semantics: an unset or "all"
// requirement matches anything, and a worker list containing "all" (or
// an empty list) accepts any specific value.
func listSatisfies(workerList []string, required string) bool {
	if required == "" || required == CapabilityAll {
		return true
	}
	if len(workerList) == 0 || containsString(workerList, CapabilityAll) {
		return true
	}
	return containsString(workerList, required)
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
