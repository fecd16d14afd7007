package graph

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/helmsmanai/helmsman/internal/domain"
)

// defaultFanoutTimeout bounds a parallel fan-out when the caller gives none.
const defaultFanoutTimeout = 2 * time.Minute

// RunParallel fans named sub-tasks out concurrently under a shared timeout
// and returns their deltas merged in task-name order, so the merge is
// deterministic regardless of completion order. A failing task cancels its
// siblings and fails the fan-out.
func RunParallel(ctx context.Context, timeout time.Duration, state *domain.TradingState, tasks map[string]NodeFunc) (*domain.StateDelta, error) {
	if timeout <= 0 {
		timeout = defaultFanoutTimeout
	}
	fanCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var mu sync.Mutex
	results := make(map[string]*domain.StateDelta, len(tasks))

	grp, grpCtx := errgroup.WithContext(fanCtx)
	for name, task := range tasks {
		name, task := name, task
		grp.Go(func() error {
			delta, err := task(grpCtx, state)
			if err != nil {
				return err
			}
			mu.Lock()
			results[name] = delta
			mu.Unlock()
			return nil
		})
	}
	if err := grp.Wait(); err != nil {
		return nil, err
	}

	names := make([]string, 0, len(results))
	for name := range results {
		names = append(names, name)
	}
	sort.Strings(names)

	merged := &domain.StateDelta{}
	for _, name := range names {
		mergeDelta(merged, results[name])
	}
	return merged, nil
}

// mergeDelta folds src into dst. Map fields union, list fields append,
// scalars last-write-wins in the deterministic name order.
func mergeDelta(dst, src *domain.StateDelta) {
	if src == nil {
		return
	}
	if src.MarketData != nil {
		dst.MarketData = src.MarketData
	}
	if len(src.Analyses) > 0 {
		if dst.Analyses == nil {
			dst.Analyses = make(map[domain.AnalystKind]domain.AnalysisResult, len(src.Analyses))
		}
		for k, v := range src.Analyses {
			dst.Analyses[k] = v
		}
	}
	dst.ClearAnalyses = dst.ClearAnalyses || src.ClearAnalyses
	if src.TradeProposal != nil {
		dst.TradeProposal = src.TradeProposal
	}
	dst.ClearProposal = dst.ClearProposal || src.ClearProposal
	if src.ApprovalStatus != "" {
		dst.ApprovalStatus = src.ApprovalStatus
	}
	if src.UserFeedback != nil {
		dst.UserFeedback = src.UserFeedback
	}
	if src.AwaitingApproval != nil {
		dst.AwaitingApproval = src.AwaitingApproval
	}
	if src.ExecutionStatus != nil {
		dst.ExecutionStatus = src.ExecutionStatus
	}
	if src.ExecutionResult != nil {
		dst.ExecutionResult = src.ExecutionResult
	}
	dst.ReasoningLog = append(dst.ReasoningLog, src.ReasoningLog...)
	if len(src.Errors) > 0 {
		if dst.Errors == nil {
			dst.Errors = make(map[string]string, len(src.Errors))
		}
		for k, v := range src.Errors {
			dst.Errors[k] = v
		}
	}
	dst.RetryIncrement += src.RetryIncrement
	if src.Overrides != nil {
		dst.Overrides = src.Overrides
	}
}
