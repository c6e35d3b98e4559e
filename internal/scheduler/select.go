package scheduler

import (
	models "github.com/Schera-ole/cloudconnector/internal/model"
)

// SelectTopNScalars returns the first n scalar signals of point in their
// original order. Array signals are skipped and do not count toward n.
// For n <= 0 the result is empty. point is never modified.
func SelectTopNScalars(point models.DataPoint, n int) models.DataPoint {
	if n <= 0 {
		return models.DataPoint{}
	}
	out := make(models.DataPoint, 0, min(n, len(point)))
	for _, s := range point {
		if len(out) == n {
			break
		}
		if s.IsArray() {
			continue
		}
		out = append(out, s)
	}
	return out
}
