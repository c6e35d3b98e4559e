// Package repository stores run reports.
package repository

import (
	"context"
	"sort"
	"sync"

	models "github.com/Schera-ole/cloudconnector/internal/model"
)

// Repository is an append-only store of run reports.
type Repository interface {
	// SaveReport stores r and returns the assigned id.
	SaveReport(ctx context.Context, r models.RunReport) (int64, error)
	// ListReports returns the newest reports first, optionally for one
	// device only. limit <= 0 means no limit.
	ListReports(ctx context.Context, device string, limit int) ([]models.RunReport, error)
	Ping(ctx context.Context) error
	Close() error
}

// MemStorage keeps reports in memory for the lifetime of the process.
type MemStorage struct {
	mu      sync.RWMutex
	reports []models.RunReport
	nextID  int64
}

func NewMemStorage() *MemStorage {
	return &MemStorage{nextID: 1}
}

func (ms *MemStorage) SaveReport(ctx context.Context, r models.RunReport) (int64, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	r.ID = ms.nextID
	ms.nextID++
	ms.reports = append(ms.reports, r)
	return r.ID, nil
}

func (ms *MemStorage) ListReports(ctx context.Context, device string, limit int) ([]models.RunReport, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	result := make([]models.RunReport, 0, len(ms.reports))
	for _, r := range ms.reports {
		if device == "" || r.Device == device {
			result = append(result, r)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID > result[j].ID })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (ms *MemStorage) Ping(ctx context.Context) error {
	return nil
}

func (ms *MemStorage) Close() error {
	return nil
}
