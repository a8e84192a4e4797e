// Package feeds polls the RSS/Atom feed of every configured source and feeds
// new entries into ingestion.
package feeds

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/mmcdole/gofeed"
	"github.com/robfig/cron/v3"
	"github.com/robopost/platform/pkg/common/logger"
	"github.com/robopost/platform/pkg/common/models"
	"github.com/robopost/platform/pkg/content"
	"github.com/robopost/platform/pkg/ingestion"
	"github.com/sirupsen/logrus"
)

const (
	DefaultMaxItems = 20
	maxSeen         = 10000
)

type SourceLister interface {
	ListSources(ctx context.Context) ([]content.Source, error)
}

type Submitter interface {
	Submit(ctx context.Context, req models.IngestRequest) (*models.IngestResponse, error)
}

// Poller submits feed entries it has not seen since start. Links that slip
// through after a restart are absorbed by processing's URL idempotency.
type Poller struct {
	sources   SourceLister
	submitter Submitter
	parser    *gofeed.Parser
	maxItems  int

	mu   sync.Mutex
	seen map[string]struct{}

	cron *cron.Cron
}

func NewPoller(sources SourceLister, submitter Submitter, client *http.Client, maxItems int) *Poller {
	if maxItems <= 0 {
		maxItems = DefaultMaxItems
	}
	parser := gofeed.NewParser()
	parser.Client = client
	parser.UserAgent = "robopost-feeds/1.0"
	return &Poller{
		sources:   sources,
		submitter: submitter,
		parser:    parser,
		maxItems:  maxItems,
		seen:      make(map[string]struct{}),
	}
}

// Start schedules Poll on the cron schedule (e.g. "@every 10m"). Overlapping runs
// are skipped.
func (p *Poller) Start(ctx context.Context, schedule string) error {
	cronLog := cron.PrintfLogger(logger.Log)
	p.cron = cron.New(cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)))
	if _, err := p.cron.AddFunc(schedule, func() {
		if _, err := p.Poll(ctx); err != nil {
			logger.Log.WithError(err).Error("feed poll failed")
		}
	}); err != nil {
		return fmt.Errorf("invalid feed schedule %q: %w", schedule, err)
	}
	p.cron.Start()
	return nil
}

// Stop waits for a running poll to finish.
func (p *Poller) Stop() {
	if p.cron != nil {
		<-p.cron.Stop().Done()
	}
}

// Poll walks every source once and returns how many links were submitted.
// A broken feed is logged and skipped.
func (p *Poller) Poll(ctx context.Context) (int, error) {
	sources, err := p.sources.ListSources(ctx)
	if err != nil {
		return 0, fmt.Errorf("list sources: %w", err)
	}

	submitted := 0
	for _, src := range sources {
		if ctx.Err() != nil {
			return submitted, ctx.Err()
		}
		n, err := p.pollSource(ctx, src)
		submitted += n
		if err != nil {
			logger.Log.WithError(err).WithFields(logrus.Fields{
				"source_id": src.ID,
				"feed":      src.URL,
			}).Warn("feed skipped")
		}
	}
	return submitted, nil
}

func (p *Poller) pollSource(ctx context.Context, src content.Source) (int, error) {
	feed, err := p.parser.ParseURLWithContext(src.URL, ctx)
	if err != nil {
		return 0, fmt.Errorf("parse feed: %w", err)
	}

	submitted := 0
	for i, entry := range feed.Items {
		if i >= p.maxItems {
			break
		}
		link := strings.TrimSpace(entry.Link)
		if link == "" || !p.markSeen(link) {
			continue
		}
		_, err := p.submitter.Submit(ctx, models.IngestRequest{URL: link, SourceID: src.ID})
		switch {
		case err == nil:
			submitted++
		case ingestion.IsValidationError(err):
			logger.Log.WithField("url", link).Debug("feed entry rejected")
		default:
			p.forget(link)
			return submitted, err
		}
	}
	return submitted, nil
}

func (p *Poller) markSeen(link string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.seen[link]; ok {
		return false
	}
	if len(p.seen) >= maxSeen {
		p.seen = make(map[string]struct{})
	}
	p.seen[link] = struct{}{}
	return true
}

func (p *Poller) forget(link string) {
	p.mu.Lock()
	delete(p.seen, link)
	p.mu.Unlock()
}
