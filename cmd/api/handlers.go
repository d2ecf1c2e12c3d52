package main

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/converso-chat/converso/internal/auth"
	"github.com/converso-chat/converso/internal/data"
)

// routes registers the HTTP surface and the websocket upgrade endpoint.
func (s *Server) routes(app *fiber.App) {
	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	api := app.Group("/api")
	api.Post("/auth/register", s.handleRegister)
	api.Post("/auth/login", s.handleLogin)

	authed := api.Group("", s.requireAuth)
	authed.Get("/chats", s.handleListChats)
	authed.Post("/chats/direct", s.handleCreateDirectChat)
	authed.Post("/chats/group", s.handleCreateGroupChat)
	authed.Get("/chats/:id/messages", s.handleChatHistory)
	authed.Post("/chats/:id/participants", s.handleAddParticipant)
	authed.Delete("/chats/:id/participants/:userId", s.handleRemoveParticipant)
	authed.Put("/chats/:id/participants/:userId/role", s.handleSetParticipantRole)
	authed.Put("/chats/:id/temporary-messages", s.handleSetTemporaryMessages)
	authed.Post("/chats/:id/archive", s.chatOverlayHandler(s.chats.ArchiveForUser))
	authed.Delete("/chats/:id/archive", s.chatOverlayHandler(s.chats.UnarchiveForUser))
	authed.Post("/chats/:id/mute", s.handleMuteChat)
	authed.Delete("/chats/:id/mute", s.chatOverlayHandler(s.chats.UnmuteForUser))
	authed.Post("/chats/:id/pin", s.chatOverlayHandler(s.chats.PinForUser))
	authed.Delete("/chats/:id/pin", s.chatOverlayHandler(s.chats.UnpinForUser))
	authed.Patch("/messages/:id", s.handleEditMessage)
	authed.Delete("/messages/:id", s.handleDeleteMessage)
	authed.Post("/contacts", s.handleAddContact)
	authed.Post("/devices", s.handleAddDevice)
	authed.Delete("/devices", s.handleRemoveDevice)

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws", websocket.New(s.handleSocket))
}

// requireAuth resolves the bearer token and stashes the caller's id.
func (s *Server) requireAuth(c *fiber.Ctx) error {
	header := c.Get(fiber.HeaderAuthorization)
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer"))
	if token == "" {
		return fiber.NewError(fiber.StatusUnauthorized, "authentication required")
	}
	claims, err := s.auth.VerifyToken(token)
	if err != nil {
		return fiber.NewError(fiber.StatusUnauthorized, "invalid token")
	}
	userID, err := bson.ObjectIDFromHex(claims.UserID)
	if err != nil {
		return fiber.NewError(fiber.StatusUnauthorized, "invalid token")
	}
	c.Locals("userID", userID)
	return c.Next()
}

func callerID(c *fiber.Ctx) bson.ObjectID {
	id, _ := c.Locals("userID").(bson.ObjectID)
	return id
}

// httpError maps store failures onto HTTP status codes.
func httpError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, data.ErrNotFound):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	case errors.Is(err, data.ErrNotAuthorized):
		return fiber.NewError(fiber.StatusForbidden, err.Error())
	case errors.Is(err, data.ErrValidation):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case errors.Is(err, data.ErrUserExists):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	default:
		return err
	}
}

type registerRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type authResponse struct {
	User      *data.User `json:"user"`
	Token     string     `json:"token"`
	ExpiresAt time.Time  `json:"expiresAt"`
}

func (s *Server) handleRegister(c *fiber.Ctx) error {
	var req registerRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "malformed request body")
	}
	if req.Name == "" || req.Email == "" || len(req.Password) < 8 {
		return fiber.NewError(fiber.StatusBadRequest, "name, email and a password of at least 8 characters are required")
	}

	hashed, err := auth.HashPassword(req.Password)
	if err != nil {
		return err
	}
	user, err := s.users.CreateUser(c.Context(), req.Name, req.Email, hashed)
	if err != nil {
		return httpError(c, err)
	}
	token, expiresAt, err := s.auth.GenerateToken(user.ID)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(authResponse{User: user, Token: token, ExpiresAt: expiresAt})
}

func (s *Server) handleLogin(c *fiber.Ctx) error {
	var req loginRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "malformed request body")
	}

	user, err := s.users.GetUserByEmail(c.Context(), req.Email)
	if err != nil {
		if errors.Is(err, data.ErrNotFound) {
			return fiber.NewError(fiber.StatusUnauthorized, "invalid credentials")
		}
		return err
	}
	if err := auth.CheckPassword(user.Password, req.Password); err != nil {
		return fiber.NewError(fiber.StatusUnauthorized, "invalid credentials")
	}
	token, expiresAt, err := s.auth.GenerateToken(user.ID)
	if err != nil {
		return err
	}
	return c.JSON(authResponse{User: user, Token: token, ExpiresAt: expiresAt})
}

func (s *Server) handleListChats(c *fiber.Ctx) error {
	chats, err := s.chats.FindChatsForUser(c.Context(), callerID(c))
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(fiber.Map{"chats": chats})
}

func (s *Server) handleCreateDirectChat(c *fiber.Ctx) error {
	var req struct {
		UserID string `json:"userId"`
	}
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "malformed request body")
	}
	peerID, err := bson.ObjectIDFromHex(req.UserID)
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid user id")
	}
	if _, err := s.users.GetUserByID(c.Context(), peerID); err != nil {
		return httpError(c, err)
	}

	chat, err := s.chats.GetOrCreateDirectChat(c.Context(), callerID(c), peerID)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(chat)
}

func (s *Server) handleCreateGroupChat(c *fiber.Ctx) error {
	var req struct {
		Name        string   `json:"name"`
		Description string   `json:"description"`
		Members     []string `json:"members"`
	}
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "malformed request body")
	}
	if req.Name == "" {
		return fiber.NewError(fiber.StatusBadRequest, "group name is required")
	}

	caller := callerID(c)
	members := make([]bson.ObjectID, 0, len(req.Members))
	for _, raw := range req.Members {
		id, err := bson.ObjectIDFromHex(raw)
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid member id")
		}
		if id != caller {
			members = append(members, id)
		}
	}

	chat, err := s.chats.CreateGroupChat(c.Context(), caller, req.Name, req.Description, members)
	if err != nil {
		return httpError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(chat)
}

func (s *Server) handleChatHistory(c *fiber.Ctx) error {
	chatID, err := bson.ObjectIDFromHex(c.Params("id"))
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid chat id")
	}
	caller := callerID(c)

	chat, err := s.chats.GetChatByID(c.Context(), chatID)
	if err != nil {
		return httpError(c, err)
	}
	if !chat.IsParticipant(caller) {
		return fiber.NewError(fiber.StatusForbidden, "not a participant of this chat")
	}

	limit := int64(c.QueryInt("limit", 50))
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	msgs, err := s.msgs.GetChatHistory(c.Context(), chatID, caller, limit)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(fiber.Map{"messages": msgs})
}

// loadChatAsAdmin fetches the chat and requires the caller to be an active
// admin of a group chat.
func (s *Server) loadChatAsAdmin(c *fiber.Ctx) (*data.Chat, error) {
	chatID, err := bson.ObjectIDFromHex(c.Params("id"))
	if err != nil {
		return nil, fiber.NewError(fiber.StatusBadRequest, "invalid chat id")
	}
	chat, err := s.chats.GetChatByID(c.Context(), chatID)
	if err != nil {
		return nil, httpError(c, err)
	}
	if chat.Type != data.ChatGroup {
		return nil, fiber.NewError(fiber.StatusBadRequest, "not a group chat")
	}
	if !chat.IsAdmin(callerID(c)) {
		return nil, fiber.NewError(fiber.StatusForbidden, "admin privileges required")
	}
	return chat, nil
}

func (s *Server) handleAddParticipant(c *fiber.Ctx) error {
	var req struct {
		UserID string `json:"userId"`
	}
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "malformed request body")
	}
	userID, err := bson.ObjectIDFromHex(req.UserID)
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid user id")
	}

	chat, err := s.loadChatAsAdmin(c)
	if err != nil {
		return err
	}
	if _, err := s.users.GetUserByID(c.Context(), userID); err != nil {
		return httpError(c, err)
	}
	if err := s.chats.AddParticipant(c.Context(), chat.ID, userID, data.RoleMember); err != nil {
		return httpError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) handleRemoveParticipant(c *fiber.Ctx) error {
	userID, err := bson.ObjectIDFromHex(c.Params("userId"))
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid user id")
	}

	// Leaving a group is always allowed; removing someone else is not.
	chatID, err := bson.ObjectIDFromHex(c.Params("id"))
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid chat id")
	}
	caller := callerID(c)
	if userID != caller {
		if _, err := s.loadChatAsAdmin(c); err != nil {
			return err
		}
	}
	if err := s.chats.RemoveParticipant(c.Context(), chatID, userID); err != nil {
		return httpError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) handleSetParticipantRole(c *fiber.Ctx) error {
	var req struct {
		Role string `json:"role"`
	}
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "malformed request body")
	}
	if req.Role != data.RoleAdmin && req.Role != data.RoleMember {
		return fiber.NewError(fiber.StatusBadRequest, "role must be admin or member")
	}
	userID, err := bson.ObjectIDFromHex(c.Params("userId"))
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid user id")
	}

	chat, err := s.loadChatAsAdmin(c)
	if err != nil {
		return err
	}
	if err := s.chats.SetParticipantRole(c.Context(), chat.ID, userID, req.Role); err != nil {
		return httpError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) handleSetTemporaryMessages(c *fiber.Ctx) error {
	var req struct {
		Enabled      bool  `json:"enabled"`
		TimerSeconds int64 `json:"timerSeconds"`
	}
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "malformed request body")
	}
	if req.Enabled && req.TimerSeconds <= 0 {
		return fiber.NewError(fiber.StatusBadRequest, "timerSeconds must be positive")
	}

	chatID, err := bson.ObjectIDFromHex(c.Params("id"))
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid chat id")
	}
	chat, err := s.chats.GetChatByID(c.Context(), chatID)
	if err != nil {
		return httpError(c, err)
	}
	caller := callerID(c)
	if !chat.IsParticipant(caller) {
		return fiber.NewError(fiber.StatusForbidden, "not a participant of this chat")
	}
	if chat.Type == data.ChatGroup && !chat.IsAdmin(caller) {
		return fiber.NewError(fiber.StatusForbidden, "admin privileges required")
	}

	setting := data.TimerSetting{Enabled: req.Enabled, TimerSeconds: req.TimerSeconds}
	if err := s.chats.SetTemporaryMessages(c.Context(), chatID, setting); err != nil {
		return httpError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

type overlayOp func(ctx context.Context, chatID, userID bson.ObjectID) error

// chatOverlayHandler adapts the per-user chat flags, which all share the
// same shape, into fiber handlers.
func (s *Server) chatOverlayHandler(op overlayOp) fiber.Handler {
	return func(c *fiber.Ctx) error {
		chatID, err := bson.ObjectIDFromHex(c.Params("id"))
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid chat id")
		}
		if err := op(c.Context(), chatID, callerID(c)); err != nil {
			return httpError(c, err)
		}
		return c.SendStatus(fiber.StatusNoContent)
	}
}

func (s *Server) handleMuteChat(c *fiber.Ctx) error {
	var req struct {
		DurationSeconds int64 `json:"durationSeconds"`
	}
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "malformed request body")
	}
	chatID, err := bson.ObjectIDFromHex(c.Params("id"))
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid chat id")
	}

	// Zero duration mutes indefinitely.
	d := time.Duration(req.DurationSeconds) * time.Second
	if err := s.chats.MuteForUser(c.Context(), chatID, callerID(c), d); err != nil {
		return httpError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) handleEditMessage(c *fiber.Ctx) error {
	var req struct {
		Content string `json:"content"`
	}
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "malformed request body")
	}
	if req.Content == "" {
		return fiber.NewError(fiber.StatusBadRequest, "content is required")
	}
	messageID, err := bson.ObjectIDFromHex(c.Params("id"))
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid message id")
	}

	msg, err := s.msgs.EditMessage(c.Context(), messageID, callerID(c), req.Content)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(msg)
}

func (s *Server) handleDeleteMessage(c *fiber.Ctx) error {
	messageID, err := bson.ObjectIDFromHex(c.Params("id"))
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid message id")
	}
	caller := callerID(c)

	if c.QueryBool("forEveryone", false) {
		if err := s.msgs.DeleteForEveryone(c.Context(), messageID, caller); err != nil {
			return httpError(c, err)
		}
	} else if err := s.msgs.DeleteForUser(c.Context(), messageID, caller); err != nil {
		return httpError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) handleAddContact(c *fiber.Ctx) error {
	var req struct {
		UserID string `json:"userId"`
		Name   string `json:"name"`
	}
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "malformed request body")
	}
	contactID, err := bson.ObjectIDFromHex(req.UserID)
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid user id")
	}
	caller := callerID(c)
	if contactID == caller {
		return fiber.NewError(fiber.StatusBadRequest, "cannot add yourself as a contact")
	}
	if _, err := s.users.GetUserByID(c.Context(), contactID); err != nil {
		return httpError(c, err)
	}
	if err := s.users.AddContact(c.Context(), caller, contactID, req.Name); err != nil {
		return httpError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) handleAddDevice(c *fiber.Ctx) error {
	var req struct {
		Token    string `json:"token"`
		Platform string `json:"platform"`
	}
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "malformed request body")
	}
	if req.Token == "" {
		return fiber.NewError(fiber.StatusBadRequest, "token is required")
	}
	if err := s.users.AddDeviceToken(c.Context(), callerID(c), req.Token, req.Platform); err != nil {
		return httpError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) handleRemoveDevice(c *fiber.Ctx) error {
	var req struct {
		Token string `json:"token"`
	}
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "malformed request body")
	}
	if err := s.users.RemoveDeviceToken(c.Context(), callerID(c), req.Token); err != nil {
		return httpError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}
