package response

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/google/uuid"

	"boundary-soar/internal/metrics"
	"boundary-soar/internal/signal"
)

func (o *Orchestrator) queueReview(ctx context.Context, p *Policy, sig signal.ThreatSignal) (*Review, error) {
	r := Review{
		ID:        uuid.NewString(),
		PolicyID:  p.ID,
		Signal:    sig,
		Actions:   append([]ActionKind(nil), p.Actions...),
		Status:    ReviewPending,
		CreatedAt: o.now(),
	}
	if err := o.reviews.Put(ctx, r.ID, r); err != nil {
		return nil, err
	}
	slog.Info("response queued for manual review", "review_id", r.ID, "policy_id", p.ID, "signal_id", sig.ID)
	o.publishPendingReviews(ctx)
	return &r, nil
}

// ListReviews returns review items, oldest first. An empty status returns all.
func (o *Orchestrator) ListReviews(ctx context.Context, status ReviewStatus) ([]*Review, error) {
	var out []*Review
	err := o.reviews.Range(ctx, func(_ string, r Review) bool {
		if status == "" || r.Status == status {
			rc := r
			out = append(out, &rc)
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// GetReview returns a review item by id.
func (o *Orchestrator) GetReview(ctx context.Context, id string) (*Review, error) {
	r, ok, err := o.reviews.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrReviewNotFound
	}
	return &r, nil
}

// decide moves a pending review to status under the orchestrator lock.
func (o *Orchestrator) decide(ctx context.Context, id string, status ReviewStatus, operator, reason string) (Review, *Policy, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	r, ok, err := o.reviews.Get(ctx, id)
	if err != nil {
		return r, nil, err
	}
	if !ok {
		return r, nil, ErrReviewNotFound
	}
	if r.Status != ReviewPending {
		return r, nil, fmt.Errorf("%w: %s is %s", ErrReviewDecided, id, r.Status)
	}

	var pol *Policy
	if status == ReviewApproved {
		p, ok := o.policies[r.PolicyID]
		if !ok {
			return r, nil, fmt.Errorf("%w: %s", ErrPolicyNotFound, r.PolicyID)
		}
		pol = p.clone()
		// The operator approved the actions captured at queue time.
		pol.Actions = append([]ActionKind(nil), r.Actions...)
	}

	now := o.now()
	r.Status = status
	r.DecidedAt = &now
	r.Operator = operator
	r.Reason = reason
	if err := o.reviews.Put(ctx, r.ID, r); err != nil {
		return r, nil, err
	}
	return r, pol, nil
}

// Approve confirms a review item and schedules its actions immediately.
func (o *Orchestrator) Approve(ctx context.Context, id, operator string) (*Review, error) {
	r, pol, err := o.decide(ctx, id, ReviewApproved, operator, "")
	if err != nil {
		return nil, err
	}

	ids, err := o.schedule(ctx, pol, r.Signal, 0)
	r.ExecutionIDs = ids
	if putErr := o.reviews.Put(ctx, r.ID, r); putErr != nil && err == nil {
		err = putErr
	}
	o.publishPendingReviews(ctx)
	slog.Info("review approved", "review_id", r.ID, "operator", operator, "executions", len(ids))
	if err != nil {
		return &r, err
	}
	return &r, nil
}

// Reject dismisses a review item. Its actions never run.
func (o *Orchestrator) Reject(ctx context.Context, id, operator, reason string) (*Review, error) {
	r, _, err := o.decide(ctx, id, ReviewRejected, operator, reason)
	if err != nil {
		return nil, err
	}
	o.publishPendingReviews(ctx)
	slog.Info("review rejected", "review_id", r.ID, "operator", operator)
	return &r, nil
}

func (o *Orchestrator) publishPendingReviews(ctx context.Context) {
	pending, err := o.ListReviews(ctx, ReviewPending)
	if err == nil {
		metrics.SetPendingReviews(len(pending))
	}
}
