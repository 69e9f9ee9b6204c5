package chat

import (
	"context"

	"github.com/shelfmates/server/apperr"
	"github.com/shelfmates/server/audit"
	"github.com/shelfmates/server/model"
	"github.com/shelfmates/server/store"
	"go.uber.org/zap"
)

// Resolver finds or creates the single conversation of a user pair.
type Resolver struct {
	identity      store.IdentityStore
	conversations store.ConversationStore
	auditor       Auditor
	logger        *zap.Logger
}

// NewResolver creates a Resolver. auditor may be nil.
func NewResolver(identity store.IdentityStore, conversations store.ConversationStore, auditor Auditor, logger *zap.Logger) *Resolver {
	return &Resolver{
		identity:      identity,
		conversations: conversations,
		auditor:       auditorOrNop(auditor),
		logger:        logger,
	}
}

// GetOrCreate returns the conversation between a and b regardless of order.
// Concurrent calls for the same pair return the same conversation.
func (r *Resolver) GetOrCreate(ctx context.Context, a, b int64) (*model.Conversation, error) {
	if a <= 0 || b <= 0 {
		return nil, apperr.Validation("userId and friendId are required")
	}
	if a == b {
		return nil, apperr.Validation("cannot open a conversation with yourself")
	}
	for _, id := range []int64{a, b} {
		if _, err := r.identity.GetUser(ctx, id); err != nil {
			return nil, lookup(err, "user")
		}
	}

	conv, created, err := r.conversations.GetOrCreateConversation(ctx, a, b)
	if err != nil {
		r.logger.Error("conversation get-or-create failed",
			zap.Int64("user_id", a), zap.Int64("friend_id", b), zap.Error(err))
		return nil, apperr.Store(err)
	}
	if created {
		r.logger.Info("conversation created", zap.String("conversation_id", conv.ID))
		r.auditor.Record(ctx, audit.Entry{
			UserID: userRef(a),
			Action: audit.ActionConversationCreated,
			Target: conv.ID,
		})
	}
	return conv, nil
}

// Delete removes a conversation and its messages. Only participants may
// delete.
func (r *Resolver) Delete(ctx context.Context, userID int64, conversationID string) error {
	if conversationID == "" {
		return apperr.Validation("conversation id is required")
	}
	conv, err := r.conversations.GetConversation(ctx, conversationID)
	if err != nil {
		return lookup(err, "conversation")
	}
	if !conv.Has(userID) {
		return apperr.Forbidden("not a participant of this conversation")
	}
	if err := r.conversations.DeleteConversation(ctx, conversationID); err != nil {
		return lookup(err, "conversation")
	}
	r.logger.Info("conversation deleted",
		zap.String("conversation_id", conversationID), zap.Int64("user_id", userID))
	r.auditor.Record(ctx, audit.Entry{
		UserID: userRef(userID),
		Action: audit.ActionConversationDeleted,
		Target: conversationID,
	})
	return nil
}
