package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"plantchat/internal/domain"
	"plantchat/internal/retry"
)

// Preview labels for the conversation list.
const (
	PreviewConversationStarted = "Conversation started"
	PreviewPhoto               = "📷 Photo"
)

type ConversationService struct {
	conversations domain.ConversationRepository
	profiles      domain.ProfileRepository
	listings      domain.ListingRepository
	logger        *slog.Logger
}

func NewConversationService(
	conversations domain.ConversationRepository,
	profiles domain.ProfileRepository,
	listings domain.ListingRepository,
	logger *slog.Logger,
) *ConversationService {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConversationService{
		conversations: conversations,
		profiles:      profiles,
		listings:      listings,
		logger:        logger.With("component", "conversations"),
	}
}

func validateRecipient(p domain.Principal, otherID string) error {
	otherID = strings.TrimSpace(otherID)
	if otherID == "" {
		return &domain.ValidationError{Field: "recipient_id", Reason: "is required"}
	}
	if otherID == p.UserID {
		return &domain.ValidationError{Field: "recipient_id", Reason: "cannot start a conversation with yourself"}
	}
	return nil
}

// FindOrCreate returns the conversation between p and otherID for listingID,
// creating it on first contact. A concurrent creator winning the insert is
// resolved by reading its row back.
func (s *ConversationService) FindOrCreate(
	ctx context.Context,
	p domain.Principal,
	otherID string,
	listingID *string,
) (*domain.Conversation, error) {
	otherID = strings.TrimSpace(otherID)
	if err := validateRecipient(p, otherID); err != nil {
		return nil, err
	}
	if listingID != nil && *listingID == "" {
		listingID = nil
	}

	existing, err := s.conversations.FindByParticipants(ctx, p.UserID, otherID, listingID)
	if err != nil {
		return nil, fmt.Errorf("find conversation: %w", err)
	}
	if existing != nil {
		return existing, nil
	}

	conv := &domain.Conversation{
		ParticipantA: p.UserID,
		ParticipantB: otherID,
		ListingID:    listingID,
	}
	err = s.conversations.Create(ctx, conv)
	if errors.Is(err, domain.ErrConflict) {
		s.logger.Debug("conversation created concurrently, re-reading", "user", p.UserID, "other", otherID)
		existing, err = s.conversations.FindByParticipants(ctx, p.UserID, otherID, listingID)
		if err != nil {
			return nil, fmt.Errorf("find conversation after conflict: %w", err)
		}
		if existing == nil {
			return nil, fmt.Errorf("conversation vanished after conflict: %w", domain.ErrNotFound)
		}
		return existing, nil
	}
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	return conv, nil
}

// Get returns the conversation if p takes part in it.
func (s *ConversationService) Get(ctx context.Context, p domain.Principal, id string) (*domain.Conversation, error) {
	return participantConversation(ctx, s.conversations, p, id)
}

// LoadSummaries builds the conversation list of p: one aggregate query, then
// batched profile and listing lookups. Ordered by last activity, newest first.
func (s *ConversationService) LoadSummaries(ctx context.Context, p domain.Principal) ([]*domain.ConversationSummary, error) {
	aggs, err := retry.Read(ctx, "conversations", func(ctx context.Context) ([]*domain.ConversationAggregate, error) {
		return s.conversations.ListForUser(ctx, p.UserID)
	})
	if err != nil {
		return nil, err
	}

	otherIDs := make([]string, 0, len(aggs))
	listingIDs := make([]string, 0, len(aggs))
	seenUser := map[string]bool{}
	seenListing := map[string]bool{}
	for _, a := range aggs {
		if o := a.Conversation.OtherParticipant(p.UserID); !seenUser[o] {
			seenUser[o] = true
			otherIDs = append(otherIDs, o)
		}
		if l := a.Conversation.ListingID; l != nil && !seenListing[*l] {
			seenListing[*l] = true
			listingIDs = append(listingIDs, *l)
		}
	}

	profiles, err := retry.Read(ctx, "profiles", func(ctx context.Context) (map[string]*domain.Profile, error) {
		return s.profiles.GetByIDs(ctx, otherIDs)
	})
	if err != nil {
		s.logger.Warn("profile lookup failed, using fallback labels", "error", err)
		profiles = nil
	}
	var listings map[string]*domain.Listing
	if len(listingIDs) > 0 {
		listings, err = retry.Read(ctx, "listings", func(ctx context.Context) (map[string]*domain.Listing, error) {
			return s.listings.GetByIDs(ctx, listingIDs)
		})
		if err != nil {
			s.logger.Warn("listing lookup failed, omitting listings", "error", err)
			listings = nil
		}
	}

	out := make([]*domain.ConversationSummary, 0, len(aggs))
	for _, a := range aggs {
		other := a.Conversation.OtherParticipant(p.UserID)
		sum := &domain.ConversationSummary{
			ConversationID:   a.Conversation.ID,
			OtherParticipant: profileOrFallback(profiles[other], other),
			Preview:          Preview(a.LastMessage),
			LastMessage:      a.LastMessage,
			LastActivityAt:   a.Conversation.LastActivityAt,
			UnreadCount:      a.UnreadCount,
		}
		if a.LastMessage != nil && a.LastMessage.CreatedAt.After(sum.LastActivityAt) {
			sum.LastActivityAt = a.LastMessage.CreatedAt
		}
		if l := a.Conversation.ListingID; l != nil {
			sum.Listing = listings[*l]
		}
		out = append(out, sum)
	}
	SortSummaries(out)
	return out, nil
}

// SortSummaries orders by last activity descending, ties by conversation id.
func SortSummaries(list []*domain.ConversationSummary) {
	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if !a.LastActivityAt.Equal(b.LastActivityAt) {
			return a.LastActivityAt.After(b.LastActivityAt)
		}
		return a.ConversationID < b.ConversationID
	})
}

// Preview is the list label for the last message of a conversation.
func Preview(last *domain.Message) string {
	if last == nil {
		return PreviewConversationStarted
	}
	if text := strings.TrimSpace(last.Content); text != "" {
		return text
	}
	return PreviewPhoto
}

// FallbackName labels a user whose profile could not be loaded.
func FallbackName(userID string) string {
	short := userID
	if len(short) > 8 {
		short = short[:8]
	}
	return "User " + short
}

func profileOrFallback(p *domain.Profile, userID string) domain.Profile {
	if p != nil && p.DisplayName != "" {
		return *p
	}
	return domain.Profile{UserID: userID, DisplayName: FallbackName(userID)}
}

func participantConversation(ctx context.Context, repo domain.ConversationRepository, p domain.Principal, id string) (*domain.Conversation, error) {
	if id == "" {
		return nil, &domain.ValidationError{Field: "conversation_id", Reason: "is required"}
	}
	conv, err := retry.Read(ctx, "conversation", func(ctx context.Context) (*domain.Conversation, error) {
		return repo.GetByID(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(p.UserID) {
		return nil, domain.ErrForbidden
	}
	return conv, nil
}
