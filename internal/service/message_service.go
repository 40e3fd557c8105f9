package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"

	"github.com/google/uuid"

	"plantchat/internal/domain"
	"plantchat/internal/metrics"
	"plantchat/internal/retry"
	"plantchat/internal/storage"
)

// DefaultMaxMessages bounds how many messages a conversation load returns.
const DefaultMaxMessages = 500

type MessageService struct {
	conversations *ConversationService
	convRepo      domain.ConversationRepository
	messages      domain.MessageRepository
	uploader      storage.Uploader
	metrics       *metrics.Metrics
	logger        *slog.Logger

	MaxMessagesPerConversation int
}

func NewMessageService(
	conversations *ConversationService,
	convRepo domain.ConversationRepository,
	messages domain.MessageRepository,
	uploader storage.Uploader,
	m *metrics.Metrics,
	logger *slog.Logger,
) *MessageService {
	if logger == nil {
		logger = slog.Default()
	}
	return &MessageService{
		conversations:              conversations,
		convRepo:                   convRepo,
		messages:                   messages,
		uploader:                   uploader,
		metrics:                    m,
		logger:                     logger.With("component", "messages"),
		MaxMessagesPerConversation: DefaultMaxMessages,
	}
}

// ImageUpload is an attached image, streamed to object storage on send.
type ImageUpload struct {
	Filename string
	Body     io.Reader
}

// SendInput addresses a message either to an existing conversation or to a
// recipient (optionally about a listing), in which case the conversation is
// found or created.
type SendInput struct {
	MessageID      string
	ConversationID string
	RecipientID    string
	ListingID      *string
	Content        string
	Image          *ImageUpload
}

type SendResult struct {
	Message      *domain.Message      `json:"message"`
	Conversation *domain.Conversation `json:"conversation"`
}

// List returns the conversation's messages in ascending store order.
func (s *MessageService) List(ctx context.Context, p domain.Principal, conversationID string) ([]*domain.Message, error) {
	if _, err := participantConversation(ctx, s.convRepo, p, conversationID); err != nil {
		return nil, err
	}
	limit := s.MaxMessagesPerConversation
	if limit <= 0 {
		limit = DefaultMaxMessages
	}
	return retry.Read(ctx, "messages", func(ctx context.Context) ([]*domain.Message, error) {
		return s.messages.ListForConversation(ctx, conversationID, limit)
	})
}

// Send validates, uploads the image, resolves the conversation and inserts
// the message. The insert is not retried; the last-activity touch that
// follows is best effort.
func (s *MessageService) Send(ctx context.Context, p domain.Principal, in SendInput) (*SendResult, error) {
	content := strings.TrimSpace(in.Content)
	if content == "" && in.Image == nil {
		return nil, &domain.ValidationError{Field: "content", Reason: "message needs text or an image"}
	}
	if in.ConversationID == "" && in.RecipientID == "" {
		return nil, &domain.ValidationError{Field: "recipient_id", Reason: "conversation_id or recipient_id is required"}
	}
	msgID := in.MessageID
	if msgID == "" {
		msgID = uuid.NewString()
	} else if _, err := uuid.Parse(msgID); err != nil {
		return nil, &domain.ValidationError{Field: "id", Reason: "must be a UUID"}
	}

	// A first contact creates the conversation only after the image is
	// stored, so a failed upload leaves nothing behind.
	var conv *domain.Conversation
	if in.ConversationID != "" {
		c, err := participantConversation(ctx, s.convRepo, p, in.ConversationID)
		if err != nil {
			return nil, err
		}
		conv = c
	} else if err := validateRecipient(p, in.RecipientID); err != nil {
		return nil, err
	}

	var imageURL *string
	if in.Image != nil {
		if s.uploader == nil {
			return nil, &domain.UploadError{Err: fmt.Errorf("image uploads are not configured")}
		}
		url, err := s.uploader.Upload(ctx, msgID+path.Ext(in.Image.Filename), in.Image.Body)
		if err != nil {
			return nil, &domain.UploadError{Err: err}
		}
		imageURL = &url
	}

	if conv == nil {
		c, err := s.conversations.FindOrCreate(ctx, p, in.RecipientID, in.ListingID)
		if err != nil {
			return nil, err
		}
		conv = c
	}

	msg := &domain.Message{
		ID:             msgID,
		ConversationID: conv.ID,
		SenderID:       p.UserID,
		Content:        content,
		ImageURL:       imageURL,
		State:          domain.StateSent,
	}

	if err := msg.Validate(); err != nil {
		return nil, err
	}
	if err := s.messages.Create(ctx, msg); err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	s.metrics.MessageSent()

	if err := s.convRepo.Touch(ctx, conv.ID, msg.CreatedAt); err != nil {
		s.logger.Warn("could not update last activity", "conversation", conv.ID, "error", err)
	} else if msg.CreatedAt.After(conv.LastActivityAt) {
		conv.LastActivityAt = msg.CreatedAt
	}
	return &SendResult{Message: msg, Conversation: conv}, nil
}
