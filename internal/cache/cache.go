// Package cache is the Redis hot layer: latest reading per device, a
// bounded recent-readings list per site and the analytics stream.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/savegress/gridsense/pkg/models"
)

const (
	keyPrefix = "gridsense"

	// AnalyticsStream is the Redis stream accepted readings are pushed to
	// for asynchronous analytics consumers.
	AnalyticsStream = keyPrefix + ":analytics:readings"

	defaultLatestTTL  = 5 * time.Minute
	defaultRecentSize = 100
)

// Client wraps the Redis operations the platform uses.
type Client struct {
	rdb        redis.UniversalClient
	latestTTL  time.Duration
	recentSize int64
}

// New creates a cache client over an established Redis connection.
func New(rdb redis.UniversalClient) *Client {
	return &Client{
		rdb:        rdb,
		latestTTL:  defaultLatestTTL,
		recentSize: defaultRecentSize,
	}
}

func latestKey(deviceID string) string {
	return fmt.Sprintf("%s:latest:%s", keyPrefix, deviceID)
}

func recentKey(siteID string) string {
	return fmt.Sprintf("%s:recent:%s", keyPrefix, siteID)
}

// SetLatest stores the most recent reading for a device with a TTL, so
// a silent device ages out of the hot view.
func (c *Client) SetLatest(ctx context.Context, reading *models.TelemetryReading) error {
	payload, err := json.Marshal(reading)
	if err != nil {
		return fmt.Errorf("marshal reading: %w", err)
	}
	if err := c.rdb.Set(ctx, latestKey(reading.DeviceID), payload, c.latestTTL).Err(); err != nil {
		return fmt.Errorf("set latest reading: %w", err)
	}
	return nil
}

// GetLatest returns the most recent cached reading for a device, or nil
// when none is cached.
func (c *Client) GetLatest(ctx context.Context, deviceID string) (*models.TelemetryReading, error) {
	payload, err := c.rdb.Get(ctx, latestKey(deviceID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get latest reading: %w", err)
	}
	var reading models.TelemetryReading
	if err := json.Unmarshal(payload, &reading); err != nil {
		return nil, fmt.Errorf("unmarshal cached reading: %w", err)
	}
	return &reading, nil
}

// PushRecent prepends a reading to the site's bounded recent list.
func (c *Client) PushRecent(ctx context.Context, reading *models.TelemetryReading) error {
	payload, err := json.Marshal(reading)
	if err != nil {
		return fmt.Errorf("marshal reading: %w", err)
	}

	key := recentKey(reading.SiteID)
	pipe := c.rdb.TxPipeline()
	pipe.LPush(ctx, key, payload)
	pipe.LTrim(ctx, key, 0, c.recentSize-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("push recent reading: %w", err)
	}
	return nil
}

// Recent returns up to limit recent readings for a site, newest first.
func (c *Client) Recent(ctx context.Context, siteID string, limit int64) ([]models.TelemetryReading, error) {
	if limit <= 0 || limit > c.recentSize {
		limit = c.recentSize
	}
	raw, err := c.rdb.LRange(ctx, recentKey(siteID), 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("range recent readings: %w", err)
	}

	out := make([]models.TelemetryReading, 0, len(raw))
	for _, item := range raw {
		var reading models.TelemetryReading
		if err := json.Unmarshal([]byte(item), &reading); err != nil {
			return nil, fmt.Errorf("unmarshal recent reading: %w", err)
		}
		out = append(out, reading)
	}
	return out, nil
}

// EnqueueAnalytics appends a reading to the analytics stream.
func (c *Client) EnqueueAnalytics(ctx context.Context, reading *models.TelemetryReading) error {
	payload, err := json.Marshal(reading)
	if err != nil {
		return fmt.Errorf("marshal reading: %w", err)
	}
	err = c.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: AnalyticsStream,
		MaxLen: 10000,
		Approx: true,
		Values: map[string]interface{}{
			"device_id": reading.DeviceID,
			"site_id":   reading.SiteID,
			"payload":   payload,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("enqueue analytics reading: %w", err)
	}
	return nil
}

// EnsureAnalyticsGroup creates the consumer group for the analytics
// stream if it does not exist yet.
func (c *Client) EnsureAnalyticsGroup(ctx context.Context, group string) error {
	err := c.rdb.XGroupCreateMkStream(ctx, AnalyticsStream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create analytics group: %w", err)
	}
	return nil
}

// ReadAnalytics reads up to count pending readings for a consumer in
// the group, blocking up to the given duration. A non-positive duration
// returns immediately.
func (c *Client) ReadAnalytics(ctx context.Context, group, consumer string, count int64, block time.Duration) ([]models.TelemetryReading, []string, error) {
	if block <= 0 {
		block = -1
	}
	streams, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{AnalyticsStream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("read analytics stream: %w", err)
	}

	var readings []models.TelemetryReading
	var ids []string
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			payload, ok := msg.Values["payload"].(string)
			if !ok {
				continue
			}
			var reading models.TelemetryReading
			if err := json.Unmarshal([]byte(payload), &reading); err != nil {
				continue
			}
			readings = append(readings, reading)
			ids = append(ids, msg.ID)
		}
	}
	return readings, ids, nil
}

// AckAnalytics acknowledges processed stream entries.
func (c *Client) AckAnalytics(ctx context.Context, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := c.rdb.XAck(ctx, AnalyticsStream, group, ids...).Err(); err != nil {
		return fmt.Errorf("ack analytics entries: %w", err)
	}
	return nil
}

// Ping verifies the Redis connection.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}
