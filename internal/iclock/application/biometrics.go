package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	iclock "iclock-cloud/internal/iclock/domain"
	"iclock-cloud/internal/observability/metrics"
)

// BiometricOutcome reports an item that was not inserted or updated.
type BiometricOutcome struct {
	Index  int                  `json:"index"`
	PIN    string               `json:"pin"`
	Type   iclock.BiometricType `json:"type,omitempty"`
	Reason string               `json:"reason"`
	Error  string               `json:"error,omitempty"`
}

// BiometricSummary aggregates a batch. Unresolved PINs and missing PINs count
// as errors; the item reason tells them apart from persistence failures.
type BiometricSummary struct {
	Inserted int                `json:"inserted"`
	Updated  int                `json:"updated"`
	Skipped  int                `json:"skipped"`
	Errors   int                `json:"errors"`
	Total    int                `json:"total"`
	Items    []BiometricOutcome `json:"items,omitempty"`
}

// BiometricPipeline deduplicates uploaded templates into the biometric repository.
type BiometricPipeline struct {
	employees   iclock.EmployeeDirectory
	repo        iclock.BiometricRepository
	concurrency int
	now         func() time.Time
	logger      *zap.Logger
}

// NewBiometricPipeline constructs the pipeline.
func NewBiometricPipeline(employees iclock.EmployeeDirectory, repo iclock.BiometricRepository, cfg Config, logger *zap.Logger) (*BiometricPipeline, error) {
	if employees == nil {
		return nil, errors.New("iclock: nil employee directory")
	}
	if repo == nil {
		return nil, errors.New("iclock: nil biometric repo")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	concurrency := cfg.IngestConcurrency
	if concurrency <= 0 {
		concurrency = DefaultConfig().IngestConcurrency
	}
	return &BiometricPipeline{
		employees:   employees,
		repo:        repo,
		concurrency: concurrency,
		now:         func() time.Time { return time.Now().UTC() },
		logger:      logger,
	}, nil
}

// Ingest processes items concurrently. A failing item never aborts the others.
func (p *BiometricPipeline) Ingest(ctx context.Context, items []iclock.BiometricItem) BiometricSummary {
	summary := BiometricSummary{Total: len(items)}
	if len(items) == 0 {
		return summary
	}

	outcomes := make([]BiometricOutcome, len(items))
	locks := &keyedLocks{}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for i := range items {
		i := i
		g.Go(func() error {
			outcomes[i] = p.ingestOne(gctx, locks, i, items[i])
			return nil
		})
	}
	_ = g.Wait()

	for _, outcome := range outcomes {
		switch outcome.Reason {
		case iclock.ReasonInserted:
			summary.Inserted++
			continue
		case iclock.ReasonUpdated:
			summary.Updated++
			continue
		case iclock.ReasonError, iclock.ReasonEmployeeNotFound, iclock.ReasonMissingPIN:
			summary.Errors++
		default:
			summary.Skipped++
		}
		summary.Items = append(summary.Items, outcome)
	}

	metrics.AddBiometricOutcome(iclock.ReasonInserted, summary.Inserted)
	metrics.AddBiometricOutcome(iclock.ReasonUpdated, summary.Updated)
	metrics.AddBiometricOutcome(iclock.ReasonSkipped, summary.Skipped)
	metrics.AddBiometricOutcome(iclock.ReasonError, summary.Errors)
	p.logger.Info("biometric batch ingested",
		zap.Int("total", summary.Total),
		zap.Int("inserted", summary.Inserted),
		zap.Int("updated", summary.Updated),
		zap.Int("skipped", summary.Skipped),
		zap.Int("errors", summary.Errors),
	)
	return summary
}

func (p *BiometricPipeline) ingestOne(ctx context.Context, locks *keyedLocks, index int, item iclock.BiometricItem) BiometricOutcome {
	outcome := BiometricOutcome{Index: index, PIN: item.PIN}
	class := iclock.Classify(item)
	if class.Skip {
		outcome.Reason = iclock.ReasonSkippedUserPic
		return outcome
	}
	outcome.Type = class.Type
	if item.PIN == "" {
		outcome.Reason = iclock.ReasonMissingPIN
		return outcome
	}
	if item.Template == "" {
		outcome.Reason = iclock.ReasonSkippedEmpty
		return outcome
	}

	employee, err := p.employees.FindByPIN(ctx, item.PIN)
	if err != nil {
		return p.failed(outcome, fmt.Errorf("find employee: %w", err))
	}
	if employee == nil {
		outcome.Reason = iclock.ReasonEmployeeNotFound
		return outcome
	}

	hash := iclock.HashTemplate(item.Template)
	unlock := locks.lock(recordKey(employee.ID, class))
	defer unlock()

	existing, err := p.repo.Find(ctx, employee.ID, class.Type, class.FingerIndex)
	if err != nil {
		return p.failed(outcome, fmt.Errorf("find biometric: %w", err))
	}
	now := p.now()
	if existing != nil {
		if existing.ContentHash == hash {
			outcome.Reason = iclock.ReasonSkipped
			return outcome
		}
		existing.Template = item.Template
		existing.ContentHash = hash
		existing.UpdatedAt = now
		existing.Remarks = remarksFor(item, hash)
		if err := p.repo.Update(ctx, existing); err != nil {
			return p.failed(outcome, fmt.Errorf("update biometric: %w", err))
		}
		outcome.Reason = iclock.ReasonUpdated
		return outcome
	}

	record := &iclock.BiometricRecord{
		EmployeeID:  employee.ID,
		Type:        class.Type,
		FingerIndex: class.FingerIndex,
		Template:    item.Template,
		ContentHash: hash,
		Remarks:     remarksFor(item, hash),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := p.repo.Insert(ctx, record); err != nil {
		return p.failed(outcome, fmt.Errorf("insert biometric: %w", err))
	}
	outcome.Reason = iclock.ReasonInserted
	return outcome
}

func (p *BiometricPipeline) failed(outcome BiometricOutcome, err error) BiometricOutcome {
	outcome.Reason = iclock.ReasonError
	outcome.Error = err.Error()
	p.logger.Warn("biometric item failed", zap.String("pin", outcome.PIN), zap.Error(err))
	return outcome
}

type biometricRemarks struct {
	Source       string `json:"source"`
	Record       string `json:"record"`
	PIN          string `json:"pin"`
	TmpType      string `json:"tmp_type,omitempty"`
	TmpIndex     string `json:"tmp_index,omitempty"`
	Size         string `json:"size,omitempty"`
	Valid        string `json:"valid,omitempty"`
	Duress       string `json:"duress,omitempty"`
	TemplateHash string `json:"template_hash"`
}

// remarksFor records provenance next to the stored template; the template itself is not repeated.
func remarksFor(item iclock.BiometricItem, hash string) string {
	remarks := biometricRemarks{
		Source:       "iclock_push",
		Record:       string(item.Source),
		PIN:          item.PIN,
		TmpType:      item.SubType,
		TmpIndex:     item.Index,
		Size:         item.Fields.Lookup("Size"),
		Valid:        item.Fields.Lookup("Valid"),
		Duress:       item.Fields.Lookup("Duress"),
		TemplateHash: hash,
	}
	data, err := json.Marshal(remarks)
	if err != nil {
		return ""
	}
	return string(data)
}

func recordKey(employeeID string, class iclock.Classification) string {
	return fmt.Sprintf("%s|%s|%d", employeeID, class.Type, class.FingerIndex)
}

// keyedLocks serialises work on the same record within one batch.
type keyedLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedLocks) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()
	m.Lock()
	return m.Unlock
}
