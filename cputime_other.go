//go:build !unix

package jobsched

import "time"

// processCPUTime is not available on this platform; CPU percent stays zero
// and only memory is sampled.
func processCPUTime() (time.Duration, error) {
	return 0, nil
}
