package server

import (
	"campusbarter/internal/domain"
)

// Request payloads

type RegisterRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email" format:"email"`
	Password string `json:"password"`
}

type LoginRequest struct {
	Email    string `json:"email" format:"email"`
	Password string `json:"password"`
}

type UpdateUserRequest struct {
	Name           *string `json:"name,omitempty"`
	ProfilePicture *string `json:"profile_picture,omitempty"`
	Bio            *string `json:"bio,omitempty"`
}

type CreateItemRequest struct {
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Category    string   `json:"category"`
	Condition   string   `json:"condition,omitempty"`
	Images      []string `json:"images,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

type UpdateItemRequest struct {
	Title       *string  `json:"title,omitempty"`
	Description *string  `json:"description,omitempty"`
	Category    *string  `json:"category,omitempty"`
	Condition   *string  `json:"condition,omitempty"`
	Images      []string `json:"images,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Status      *string  `json:"status,omitempty" enum:"available,pending"`
}

type CreateTradeRequest struct {
	RecipientID      int64   `json:"recipient_id"`
	OfferedItemIDs   []int64 `json:"offered_items,omitempty"`
	RequestedItemIDs []int64 `json:"requested_items,omitempty"`
	Message          string  `json:"message,omitempty"`
}

type UpdateTradeRequest struct {
	Status string `json:"status" enum:"accepted,rejected,completed"`
}

type PostMessageRequest struct {
	Content string `json:"content"`
}

type CreateAPIKeyRequest struct {
	Name string `json:"name,omitempty"`
	Key  string `json:"key"`
}

// Response payloads

type UserResponse struct {
	ID              int64   `json:"id"`
	Name            string  `json:"name"`
	Email           string  `json:"email"`
	ProfilePicture  string  `json:"profile_picture,omitempty"`
	Bio             string  `json:"bio,omitempty"`
	ReputationScore float64 `json:"reputation_score"`
	JoinDate        string  `json:"join_date"`
}

type TokenResponse struct {
	Token string       `json:"token"`
	User  UserResponse `json:"user"`
}

type ItemResponse struct {
	ID          int64    `json:"id"`
	UserID      int64    `json:"user_id"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Category    string   `json:"category"`
	Condition   string   `json:"condition,omitempty"`
	Images      []string `json:"images,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Status      string   `json:"status"`
	DateListed  string   `json:"date_listed"`
}

type TradeItemResponse struct {
	ID     int64  `json:"id"`
	Role   string `json:"role" enum:"offered,requested"`
	ItemID int64  `json:"item_id"`
}

type TradeResponse struct {
	ID             int64               `json:"id"`
	InitiatorID    int64               `json:"initiator_id"`
	RecipientID    int64               `json:"recipient_id"`
	Status         string              `json:"status"`
	Version        int64               `json:"version"`
	CreationDate   string              `json:"creation_date"`
	CompletionDate *string             `json:"completion_date,omitempty"`
	Items          []TradeItemResponse `json:"items"`
	Messages       []MessageResponse   `json:"messages,omitempty"`
}

type MessageResponse struct {
	ID        int64  `json:"id"`
	TradeID   int64  `json:"trade_id"`
	SenderID  int64  `json:"sender_id"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
}

type EventResponse struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    int64  `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	UserID    int64  `json:"user_id"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at"`
}

type CategoryResponse struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

func userResponse(u domain.User) UserResponse {
	return UserResponse{
		ID:              u.ID,
		Name:            u.Name,
		Email:           u.Email,
		ProfilePicture:  u.ProfilePicture,
		Bio:             u.Bio,
		ReputationScore: u.ReputationScore,
		JoinDate:        u.JoinDate,
	}
}

func itemResponse(it domain.Item) ItemResponse {
	return ItemResponse{
		ID:          it.ID,
		UserID:      it.UserID,
		Title:       it.Title,
		Description: it.Description,
		Category:    it.Category,
		Condition:   it.Condition,
		Images:      it.Images,
		Tags:        it.Tags,
		Status:      it.Status,
		DateListed:  it.DateListed,
	}
}

func mapItems(items []domain.Item) []ItemResponse {
	res := make([]ItemResponse, 0, len(items))
	for _, it := range items {
		res = append(res, itemResponse(it))
	}
	return res
}

func tradeResponse(t domain.Trade) TradeResponse {
	resp := TradeResponse{
		ID:             t.ID,
		InitiatorID:    t.InitiatorID,
		RecipientID:    t.RecipientID,
		Status:         t.Status,
		Version:        t.Version,
		CreationDate:   t.CreationDate,
		CompletionDate: t.CompletionDate,
		Items:          []TradeItemResponse{},
	}
	for _, ti := range t.Items {
		resp.Items = append(resp.Items, TradeItemResponse{ID: ti.ID, Role: ti.Role, ItemID: ti.ItemID})
	}
	for _, m := range t.Messages {
		resp.Messages = append(resp.Messages, messageResponse(m))
	}
	return resp
}

func mapTrades(trades []domain.Trade) []TradeResponse {
	res := make([]TradeResponse, 0, len(trades))
	for _, t := range trades {
		res = append(res, tradeResponse(t))
	}
	return res
}

func messageResponse(m domain.Message) MessageResponse {
	return MessageResponse{
		ID:        m.ID,
		TradeID:   m.TradeID,
		SenderID:  m.SenderID,
		Content:   m.Content,
		Timestamp: m.Timestamp,
	}
}

func mapMessages(msgs []domain.Message) []MessageResponse {
	res := make([]MessageResponse, 0, len(msgs))
	for _, m := range msgs {
		res = append(res, messageResponse(m))
	}
	return res
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    e.Payload,
	}
}

func apiKeyResponse(k domain.APIKey) APIKeyResponse {
	return APIKeyResponse{ID: k.ID, UserID: k.UserID, Name: k.Name, CreatedAt: k.CreatedAt}
}
