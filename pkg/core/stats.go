package core

import (
	"fmt"
	"time"
)

// Stats summarizes a finished run.
type Stats struct {
	Elapsed      time.Duration
	BytesRead    int64
	BytesWritten int64
	InputUnits   int64
	OutputUnits  int64
	Retries      int64
	Failures     int64
}

func (s Stats) String() string {
	secs := s.Elapsed.Seconds()
	rate := func(b int64) float64 {
		if secs <= 0 {
			return 0
		}
		return float64(b) / 1024 / 1024 / secs
	}
	return fmt.Sprintf(
		"read %.2f MB (%.2f MB/s), wrote %.2f MB (%.2f MB/s), %d in, %d out, %d retries, %d failures in %s",
		float64(s.BytesRead)/1024/1024, rate(s.BytesRead),
		float64(s.BytesWritten)/1024/1024, rate(s.BytesWritten),
		s.InputUnits, s.OutputUnits, s.Retries, s.Failures, s.Elapsed.Round(time.Millisecond),
	)
}
