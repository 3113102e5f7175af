package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vadim/neo-inbox/internal/domain/messaging/entity"
)

// Reconcile recomputes unread counters from the message log up to quietBefore and
// advances the last message fields to the newest logged message. Messages younger than
// quietBefore (or than the recorded last message) may still be in flight; when any exist
// it gives up with entity.ErrConflict, as it does when the conversation moved on meanwhile.
func (s *Service) Reconcile(ctx context.Context, conversationID string, quietBefore time.Time) error {
	conv, err := s.getConversation(ctx, conversationID)
	if err != nil {
		return err
	}

	lastMessageAt := conv.LastMessageAt
	cutoff := quietBefore
	if lastMessageAt.After(cutoff) {
		cutoff = lastMessageAt
	}
	pending, err := s.msgRepo.CountFrom(ctx, conv.ID, "", &cutoff)
	if err != nil {
		return fmt.Errorf("counting in-flight messages: %w", err)
	}
	if pending > 0 {
		return fmt.Errorf("%d messages still in flight: %w", pending, entity.ErrConflict)
	}

	last := entity.LastMessage{At: lastMessageAt, Preview: conv.LastMessagePreview}
	newest, err := s.msgRepo.ListByConversation(ctx, conv.ID, cutoff, 1, 0)
	if err != nil {
		return fmt.Errorf("loading newest message: %w", err)
	}
	if len(newest) == 1 && newest[0].CreatedAt.After(lastMessageAt) {
		last = entity.LastMessage{
			At:      newest[0].CreatedAt,
			Preview: entity.Preview(newest[0].Type, newest[0].Text),
		}
	}

	counts := make(map[string]int, len(conv.Participants))
	delta := 0
	for _, p := range conv.Participants {
		other, _ := conv.Counterpart(p)
		entry := conv.UnreadFor(p.Key())

		n, err := s.msgRepo.CountFrom(ctx, conv.ID, other.Key(), entry.ReadAt)
		if err != nil {
			return fmt.Errorf("counting unread for %s: %w", p.Key(), err)
		}
		counts[p.Key()] = n
		delta += abs(n - entry.Count)
	}

	if err := s.convRepo.SetUnread(ctx, conv.ID, lastMessageAt, last, counts, s.now()); err != nil {
		return fmt.Errorf("writing reconciled counters: %w", err)
	}

	if delta > 0 {
		s.recorder.UnreadCorrected(delta)
		s.logger.Warn("unread counters corrected",
			"conversation_id", conv.ID,
			"delta", delta,
		)
	}
	return nil
}

// ReconcileStale reconciles up to limit conversations idle for at least quiet.
// It returns how many were reconciled.
func (s *Service) ReconcileStale(ctx context.Context, quiet time.Duration, limit int) (int, error) {
	quietBefore := s.now().Add(-quiet)
	convs, err := s.convRepo.ListStale(ctx, quietBefore, limit)
	if err != nil {
		return 0, fmt.Errorf("listing stale conversations: %w", err)
	}

	done := 0
	for _, conv := range convs {
		select {
		case <-ctx.Done():
			return done, ctx.Err()
		default:
		}

		if err := s.Reconcile(ctx, conv.ID, quietBefore); err != nil {
			if errors.Is(err, entity.ErrConflict) {
				s.logger.Debug("reconcile skipped, conversation active", "conversation_id", conv.ID)
				continue
			}
			s.logger.Error("reconcile failed", "conversation_id", conv.ID, "error", err)
			continue
		}
		done++
	}
	return done, nil
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
