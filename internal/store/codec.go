package store

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/JakeFAU/ingest-crawler/internal/crawler"
)

// EncodeRunFields marshals the JSON columns of a run. Nil slices are stored
// as empty arrays.
func EncodeRunFields(run crawler.PipelineRun) (stages, errs, meta []byte, err error) {
	completed := run.CompletedStages
	if completed == nil {
		completed = []string{}
	}
	runErrors := run.Errors
	if runErrors == nil {
		runErrors = []crawler.RunError{}
	}
	if stages, err = json.Marshal(completed); err != nil {
		return nil, nil, nil, fmt.Errorf("encode completed stages: %w", err)
	}
	if errs, err = json.Marshal(runErrors); err != nil {
		return nil, nil, nil, fmt.Errorf("encode run errors: %w", err)
	}
	if meta, err = json.Marshal(run.Metadata); err != nil {
		return nil, nil, nil, fmt.Errorf("encode run metadata: %w", err)
	}
	return stages, errs, meta, nil
}

// DecodeRunFields is the inverse of EncodeRunFields. Empty columns are skipped.
func DecodeRunFields(run *crawler.PipelineRun, stages, errs, meta []byte) error {
	if len(stages) > 0 {
		if err := json.Unmarshal(stages, &run.CompletedStages); err != nil {
			return fmt.Errorf("decode completed stages: %w", err)
		}
	}
	if len(errs) > 0 {
		if err := json.Unmarshal(errs, &run.Errors); err != nil {
			return fmt.Errorf("decode run errors: %w", err)
		}
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &run.Metadata); err != nil {
			return fmt.Errorf("decode run metadata: %w", err)
		}
	}
	return nil
}

// SortStages orders records by stage execution order, then category.
func SortStages(recs []crawler.StageRecord) {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].Stage != recs[j].Stage {
			return recs[i].Stage.Index() < recs[j].Stage.Index()
		}
		return recs[i].Category < recs[j].Category
	})
}
