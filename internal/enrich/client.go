package enrich

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/api/youtube/v3"

	"github.com/JakeFAU/org-harvester/internal/harvest"
	"github.com/JakeFAU/org-harvester/internal/metrics"
)

// MaxBatchSize is the videos.list id limit.
const MaxBatchSize = 50

// Metric names attached to records.
const (
	MetricViews     = "views"
	MetricLikes     = "likes"
	MetricComments  = "comments"
	MetricFavorites = "favorites"
)

// ErrNoCredentials means no API key is configured; callers run without enrichment.
var ErrNoCredentials = errors.New("enrichment credentials not configured")

// Config configures the YouTube Data API client.
type Config struct {
	APIKey string `mapstructure:"api_key"`
	// Endpoint overrides the API base URL, mainly for tests.
	Endpoint  string        `mapstructure:"endpoint"`
	BatchSize int           `mapstructure:"batch_size"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// statsSource performs one batched statistics lookup.
type statsSource interface {
	VideoStatistics(ctx context.Context, ids []string) (map[string]harvest.Metrics, error)
}

// Client fetches engagement metrics in batches.
type Client struct {
	source  statsSource
	batch   int
	timeout time.Duration
	logger  *zap.Logger
}

// New builds a Client backed by the official SDK. It returns ErrNoCredentials
// when cfg.APIKey is empty.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, ErrNoCredentials
	}
	opts := []option.ClientOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}
	svc, err := youtube.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create youtube service: %w", err)
	}
	return newClient(&youtubeSource{svc: svc}, cfg, logger), nil
}

func newClient(source statsSource, cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	batch := cfg.BatchSize
	if batch <= 0 || batch > MaxBatchSize {
		batch = MaxBatchSize
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{source: source, batch: batch, timeout: timeout, logger: logger.Named("enrich")}
}

// KeyFor returns the enrichment key for a video record.
func (c *Client) KeyFor(r harvest.Record) (string, bool) {
	if r.Source != harvest.ChannelVideo {
		return "", false
	}
	return VideoID(r.URL)
}

// FetchMetrics looks up keys in chunks of at most the batch size. Any chunk
// failure yields an empty map; keys without statistics are absent.
func (c *Client) FetchMetrics(ctx context.Context, keys []string) map[string]harvest.Metrics {
	ids := unique(keys)
	out := make(map[string]harvest.Metrics, len(ids))
	if len(ids) == 0 {
		return out
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	for start := 0; start < len(ids); start += c.batch {
		end := min(start+c.batch, len(ids))
		chunk := ids[start:end]
		stats, err := c.source.VideoStatistics(ctx, chunk)
		if err != nil {
			metrics.ObserveEnrichment("error")
			c.logger.Warn("enrichment lookup failed",
				zap.Int("keys", len(ids)),
				zap.Int("chunk_size", len(chunk)),
				zap.Error(err))
			return map[string]harvest.Metrics{}
		}
		metrics.ObserveEnrichment("ok")
		for id, m := range stats {
			if len(m) > 0 {
				out[id] = m
			}
		}
	}
	return out
}

func unique(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}

type youtubeSource struct {
	svc *youtube.Service
}

func (s *youtubeSource) VideoStatistics(ctx context.Context, ids []string) (map[string]harvest.Metrics, error) {
	resp, err := s.svc.Videos.List([]string{"statistics"}).Id(ids...).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("videos.list: %w", err)
	}
	out := make(map[string]harvest.Metrics, len(resp.Items))
	for _, item := range resp.Items {
		if item == nil || item.Statistics == nil {
			continue
		}
		out[item.Id] = statisticsMetrics(item.Statistics)
	}
	return out, nil
}

func statisticsMetrics(s *youtube.VideoStatistics) harvest.Metrics {
	return harvest.Metrics{
		MetricViews:     clampInt64(s.ViewCount),
		MetricLikes:     clampInt64(s.LikeCount),
		MetricComments:  clampInt64(s.CommentCount),
		MetricFavorites: clampInt64(s.FavoriteCount),
	}
}

func clampInt64(v uint64) int64 {
	const maxInt64 = 1<<63 - 1
	if v > maxInt64 {
		return maxInt64
	}
	return int64(v)
}
