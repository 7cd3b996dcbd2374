package bgsync

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"
)

// Donation 是页面离线时暂存、等待同步的一条捐赠记录。
type Donation struct {
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// DonationQueue 是离线捐赠的存取接口，由外部系统实现。
type DonationQueue interface {
	Pending(ctx context.Context) ([]Donation, error)
	Clear(ctx context.Context) error
}

// EmptyQueue 始终返回空列表，作为未接入外部存储时的默认实现。
type EmptyQueue struct{}

func (EmptyQueue) Pending(context.Context) ([]Donation, error) { return nil, nil }

func (EmptyQueue) Clear(context.Context) error { return nil }

// SyncDonations 返回捐赠同步处理函数：读取待同步记录，非空时记录日志并清空队列。
func SyncDonations(queue DonationQueue, logger *logrus.Logger, fields logrus.Fields) Handler {
	if queue == nil {
		queue = EmptyQueue{}
	}
	return func(ctx context.Context) error {
		donations, err := queue.Pending(ctx)
		if err != nil {
			return fmt.Errorf("load offline donations: %w", err)
		}
		if len(donations) == 0 {
			return nil
		}

		if logger != nil {
			entry := logger.WithFields(fields).WithFields(logrus.Fields{
				"action": "background_sync",
				"count":  len(donations),
			})
			entry.Info("donations_syncing")
		}

		if err := queue.Clear(ctx); err != nil {
			return fmt.Errorf("clear offline donations: %w", err)
		}
		if logger != nil {
			logger.WithFields(fields).WithField("action", "background_sync").Info("donations_synced")
		}
		return nil
	}
}
