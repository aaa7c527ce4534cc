package stage

import "strings"

// Health summarizes the readiness of a stage body.
type Health struct {
	Name   string
	Ready  bool
	Detail string
}

// Healthy constructs a ready Health record.
func Healthy(name string) Health {
	return Health{Name: name, Ready: true}
}

// Unhealthy constructs an unhealthy Health record with context detail.
func Unhealthy(name, detail string) Health {
	return Health{Name: name, Ready: false, Detail: detail}
}

// Combine folds several checks into one record for name. It is ready only
// when every check is.
func Combine(name string, checks ...Health) Health {
	var problems []string
	for _, check := range checks {
		if !check.Ready {
			problems = append(problems, check.Name+": "+check.Detail)
		}
	}
	if len(problems) == 0 {
		return Healthy(name)
	}
	return Unhealthy(name, strings.Join(problems, "; "))
}
