// Package scheduler periodically summarizes the snapshots for the web browser.
package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mdouchement/logger"
	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"

	"github.com/mdouchement/s3cache/internal/cacheerror"
	"github.com/mdouchement/s3cache/internal/service"
)

// A Controller is an Inversion Of Control pattern used to init the scheduler package.
type Controller struct {
	Logger        logger.Logger
	Service       service.Controller
	Catalog       *Catalog
	Specification string
}

// A Summary describes one snapshot of the catalog.
type Summary struct {
	Name      string `json:"name"`
	Algorithm string `json:"algorithm"`
	Files     int    `json:"files"`
	Bytes     int64  `json:"bytes"`
}

// A Catalog holds the last computed snapshot summaries.
type Catalog struct {
	mu          sync.RWMutex
	summaries   []Summary
	refreshedAt time.Time
}

// Summaries returns the summaries and the time they were computed.
func (c *Catalog) Summaries() ([]Summary, time.Time) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return append([]Summary(nil), c.summaries...), c.refreshedAt
}

func (c *Catalog) replace(summaries []Summary) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.summaries = summaries
	c.refreshedAt = time.Now()
}

// Refresh rebuilds the catalog from the store.
// Snapshots with an unreadable manifest are left out of the catalog.
func Refresh(ctx context.Context, c Controller) error {
	log := c.Logger.WithPrefix("[catalog]")
	snapshots := service.NewSnapshots(c.Service)

	summaries := []Summary{}
	for name, err := range snapshots.List(ctx) {
		if err != nil {
			return errors.Wrap(err, "could not list snapshots")
		}

		manifest, err := snapshots.Show(ctx, name)
		if err != nil {
			if cacheerror.Is(err, cacheerror.Store) {
				return err
			}
			log.Warnf("Skipping %s: %s", name, err)
			continue
		}

		summaries = append(summaries, Summary{
			Name:      name,
			Algorithm: manifest.Algorithm.String(),
			Files:     len(manifest.Files),
			Bytes:     manifest.Size(),
		})
	}

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].Name < summaries[j].Name
	})

	c.Catalog.replace(summaries)
	log.Debugf("Catalog refreshed with %d snapshots", len(summaries))
	return nil
}

// Start lauches the scheduler asynchronously.
// The returned cron must be stopped by the caller.
func Start(ctx context.Context, c Controller) (*cron.Cron, error) {
	cron := cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.DiscardLogger),
	))

	log := c.Logger.WithPrefix("[scheduler]")

	_, err := cron.AddFunc(c.Specification, func() {
		if err := Refresh(ctx, c); err != nil {
			log.Error(err)
		}
	})
	if err != nil {
		return nil, errors.Wrapf(err, "invalid specification %q", c.Specification)
	}
	log.Info("Catalog task registred")

	cron.Start()
	log.Info("Scheduler is running")
	return cron, nil
}
