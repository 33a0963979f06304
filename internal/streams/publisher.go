// Danbooru Gateway - Image Search Request Processing Gateway
// Copyright 2026 Booru Tools
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/booru-tools/danbooru-gateway

package streams

import (
	"context"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Publisher appends envelopes to the gateway's streams.
type Publisher struct {
	rdb    redis.Cmdable
	logger zerolog.Logger
}

// NewPublisher creates a Publisher on the given Redis client.
//
//nolint:gocritic // zerolog.Logger is designed to be passed by value
func NewPublisher(rdb redis.Cmdable, logger zerolog.Logger) *Publisher {
	return &Publisher{rdb: rdb, logger: logger}
}

// PublishResponse stamps the response with the current timestamp and appends
// it to the response stream of the API. Returns the stream entry ID.
func (p *Publisher) PublishResponse(ctx context.Context, api string, resp *Response) (string, error) {
	resp.Timestamp = time.Now().UnixMilli()

	data, err := json.Marshal(resp)
	if err != nil {
		return "", fmt.Errorf("marshal response: %w", err)
	}

	id, err := p.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: Name(api, KindResponses),
		Values: map[string]interface{}{
			"jobId": resp.JobID,
			"data":  string(data),
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd response for job %s: %w", resp.JobID, err)
	}

	p.logger.Debug().
		Str("api", api).
		Str("job_id", resp.JobID).
		Str("type", resp.Type).
		Str("stream_id", id).
		Msg("response published")
	return id, nil
}

// EnqueueJob appends a job envelope to the request stream of the API.
// Used by the DLQ retry path and by test producers.
func (p *Publisher) EnqueueJob(ctx context.Context, api string, env JobEnvelope) (string, error) {
	id, err := p.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: Name(api, KindRequests),
		Values: env.Values(),
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd job %s: %w", env.JobID, err)
	}
	return id, nil
}

// ParseResponse decodes the JSON payload of a response stream entry.
func ParseResponse(values map[string]interface{}) (*Response, error) {
	data := fieldString(values, "data")
	if data == "" {
		return nil, fmt.Errorf("response entry missing data field")
	}
	var resp Response
	if err := json.Unmarshal([]byte(data), &resp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return &resp, nil
}
