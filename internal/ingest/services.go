package ingest

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"sort"
	"strconv"

	"bus-delay-predictor/internal/history"
	"bus-delay-predictor/internal/source"
	"bus-delay-predictor/internal/transit"
)

// CatalogueSource lists the service catalogue.
type CatalogueSource interface {
	source.PageFetcher
	ServicesURL() string
}

type CatalogueOptions struct {
	PageSize int
	Region   string
	// Operators restricts the catalogue to services run by any of these
	// operator codes. Empty keeps every service.
	Operators []string
}

type SyncReport struct {
	Pages    int
	Seen     int
	Kept     int
	Inserted int
	Updated  int
}

// SyncServices walks the upstream service catalogue for a region and upserts
// the services run by the configured operators.
func SyncServices(ctx context.Context, src CatalogueSource, store history.ServiceStore, opts CatalogueOptions) (SyncReport, error) {
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = 100
	}
	params := url.Values{"page_size": {strconv.Itoa(pageSize)}}
	if opts.Region != "" {
		params.Set("region_id", opts.Region)
	}
	wanted := make(map[string]bool, len(opts.Operators))
	for _, op := range opts.Operators {
		wanted[op] = true
	}

	var services []transit.Service
	_, stats, err := source.Collect(ctx, src, src.ServicesURL(), params, func(s transit.ServiceSummary) source.Verdict {
		op, ok := pickOperator(s.Operators, wanted)
		if !ok {
			return source.Skip
		}
		svc := transit.Service{
			ID:          s.ID,
			Slug:        s.Slug,
			Number:      s.LineName,
			Description: s.Description,
			Operator:    op,
			Region:      s.RegionID,
			Mode:        s.Mode,
		}
		if _, _, err := svc.Endpoints(); err != nil {
			log.Printf("catalogue: service %d (%s): %v", s.ID, s.LineName, err)
		}
		services = append(services, svc)
		return source.Keep
	})
	rep := SyncReport{Pages: stats.Pages, Seen: stats.Seen, Kept: stats.Kept}
	if err != nil {
		return rep, fmt.Errorf("walk service catalogue: %w", err)
	}
	if len(services) == 0 {
		log.Printf("catalogue: no services matched operators %v in region %q", opts.Operators, opts.Region)
		return rep, nil
	}
	res, err := store.UpsertServices(ctx, services)
	if err != nil {
		return rep, fmt.Errorf("upsert services: %w", err)
	}
	rep.Inserted, rep.Updated = res.Inserted, res.Updated
	log.Printf("catalogue: %d pages, %d services seen, %d kept (%d inserted, %d updated)", rep.Pages, rep.Seen, rep.Kept, rep.Inserted, rep.Updated)
	return rep, nil
}

// pickOperator returns the alphabetically first listed operator that is wanted.
func pickOperator(listed []string, wanted map[string]bool) (string, bool) {
	ops := append([]string(nil), listed...)
	sort.Strings(ops)
	for _, op := range ops {
		if len(wanted) == 0 || wanted[op] {
			return op, true
		}
	}
	return "", false
}
