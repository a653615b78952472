package collaboration

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"instdocs/internal/auth"
	"instdocs/internal/middleware"
	"instdocs/internal/protocol"
	"instdocs/internal/repository"
	"instdocs/internal/services"
)

func (h *Hub) handleMessage(ctx context.Context, s *Session, msg protocol.Message) {
	if msg.Type == protocol.LoginMessage {
		h.handleLogin(s, msg)
		return
	}
	if !s.loggedIn {
		s.reject(msg, protocol.CodeNotLoggedIn, "login first")
		return
	}

	switch msg.Type {
	case protocol.WatchBranchMessage:
		h.handleWatch(ctx, s, msg)
	case protocol.UnwatchBranchMessage:
		h.unwatch(s, branchRef(msg).Key())
	case protocol.GetUpdatesMessage:
		h.handleGetUpdates(ctx, s, msg)
	case protocol.AddUpdatesMessage:
		h.handleAddUpdates(ctx, s, msg)
	case protocol.SendActionMessage:
		h.handleSendAction(s, msg)
	default:
		s.reject(msg, protocol.CodeUnacceptableRequest, "unknown message type "+string(msg.Type))
	}
}

func (h *Hub) handleLogin(s *Session, msg protocol.Message) {
	result := protocol.Message{Type: protocol.LoginResultMessage, RequestID: msg.RequestID}

	var claims *auth.SessionClaims
	if msg.Token != "" {
		if h.tokens == nil {
			result.Error = h.errorInfo(protocol.CodeInvalidToken, "tokens are not accepted by this server")
			s.reply(result)
			return
		}
		var err error
		claims, err = h.tokens.Validate(msg.Token)
		if err != nil {
			code := protocol.CodeInvalidToken
			if errors.Is(err, auth.ErrTokenExpired) {
				code = protocol.CodeSessionExpired
			}
			result.Error = h.errorInfo(code, err.Error())
			s.reply(result)
			return
		}
	}

	connectionID := msg.ConnectionID
	if connectionID == "" {
		connectionID = uuid.NewString()
	}
	s.loggedIn = true
	s.claims = claims
	s.ConnectionID = connectionID
	info := &protocol.ConnectionInfo{ConnectionID: connectionID}
	if claims != nil {
		s.UserID = claims.UserID
		s.SessionID = claims.SessionID
		info.UserID = claims.UserID
		info.SessionID = claims.SessionID
	}

	h.log.WithFields(logrus.Fields{
		"session":    s.ID,
		"connection": connectionID,
		"user":       s.UserID,
	}).Info("connection logged in")

	result.Success = true
	result.Info = info
	s.reply(result)
}

// authorize returns the error that denies s access to ref, or nil.
func (h *Hub) authorize(s *Session, ref protocol.BranchRef) *protocol.ErrorInfo {
	if ref.Inst == "" || ref.Branch == "" {
		return h.errorInfo(protocol.CodeUnacceptableRequest, "inst and branch are required")
	}
	if ref.RecordName == "" {
		return nil
	}
	if s.claims == nil {
		return h.errorInfo(protocol.CodeNotLoggedIn, "a token is required to access record "+ref.RecordName)
	}
	if !s.claims.CanAccess(ref.RecordName) {
		return h.errorInfo(protocol.CodeNotAuthorized, "no access to record "+ref.RecordName)
	}
	return nil
}

func (h *Hub) handleWatch(ctx context.Context, s *Session, msg protocol.Message) {
	ref := branchRef(msg)
	result := addressed(protocol.WatchBranchResultMessage, ref)
	result.RequestID = msg.RequestID

	if errInfo := h.authorize(s, ref); errInfo != nil {
		result.Error = errInfo
		s.reply(result)
		return
	}

	key := ref.Key()
	h.watch(s, key)
	result.Success = true
	s.reply(result)

	updates, err := h.repo.GetUpdates(ctx, key)
	if err != nil {
		middleware.AddSpanError(ctx, err)
		h.log.WithError(err).WithField("branch", key).Error("load branch updates")
		s.reject(msg, protocol.CodeServerError, "could not load branch")
		return
	}

	initial := addressed(protocol.AddUpdatesMessage, ref)
	initial.Updates, initial.Timestamps = services.UpdatePayload(updates)
	s.reply(initial)
}

func (h *Hub) handleGetUpdates(ctx context.Context, s *Session, msg protocol.Message) {
	ref := branchRef(msg)
	if errInfo := h.authorize(s, ref); errInfo != nil {
		s.replyError(msg, errInfo)
		return
	}

	updates, err := h.repo.GetUpdates(ctx, ref.Key())
	if err != nil {
		middleware.AddSpanError(ctx, err)
		s.reject(msg, protocol.CodeServerError, "could not load branch")
		return
	}
	result := addressed(protocol.GetUpdatesResultMessage, ref)
	result.RequestID = msg.RequestID
	result.Updates, result.Timestamps = services.UpdatePayload(updates)
	s.reply(result)
}

func (h *Hub) handleAddUpdates(ctx context.Context, s *Session, msg protocol.Message) {
	ref := branchRef(msg)
	if errInfo := h.authorize(s, ref); errInfo != nil {
		s.replyError(msg, errInfo)
		return
	}

	ack := addressed(protocol.UpdatesReceivedMessage, ref)
	ack.UpdateID = msg.UpdateID
	if len(msg.Updates) == 0 {
		s.reply(ack)
		return
	}

	key := ref.Key()
	lock := h.branchLock(key)
	lock.Lock()
	defer lock.Unlock()

	branch, stored, err := h.repo.AppendUpdates(ctx, ref, msg.Updates, s.ConnectionID, h.cfg.MaxBranchSize)
	if err != nil {
		var sizeErr *repository.MaxSizeError
		if errors.As(err, &sizeErr) {
			errInfo := h.errorInfo(protocol.CodeMaxSizeReached, sizeErr.Error())
			errInfo.Size = sizeErr.Size
			errInfo.MaxSize = sizeErr.MaxSize
			s.replyError(msg, errInfo)
			return
		}
		middleware.AddSpanError(ctx, err)
		h.log.WithError(err).WithField("branch", key).Error("store updates")
		s.reject(msg, protocol.CodeServerError, "could not store updates")
		return
	}
	updatesStored.Add(float64(len(stored)))
	middleware.AddSpanEvent(ctx, "updates.stored",
		attribute.String("branch.key", key),
		attribute.Int("updates.count", len(stored)),
	)
	s.reply(ack)

	out := addressed(protocol.AddUpdatesMessage, ref)
	out.Updates, out.Timestamps = services.UpdatePayload(stored)
	frame, err := json.Marshal(out)
	if err != nil {
		h.log.WithError(err).Error("encode broadcast")
		return
	}
	h.Broadcast(key, frame, s)
	if h.fanout != nil {
		if err := h.fanout.Publish(ctx, key, frame); err != nil {
			h.log.WithError(err).WithField("branch", key).Warn("fanout publish failed")
		}
	}
	if h.compactor != nil {
		h.compactor.MaybeCompact(branch)
	}
}

func (h *Hub) handleSendAction(s *Session, msg protocol.Message) {
	ref := branchRef(msg)
	if errInfo := h.authorize(s, ref); errInfo != nil {
		s.replyError(msg, errInfo)
		return
	}
	if msg.Action == nil || msg.Action.Type == "" {
		s.reject(msg, protocol.CodeUnacceptableRequest, "action is required")
		return
	}

	action := *msg.Action
	action.ConnectionID = s.ConnectionID
	out := addressed(protocol.ReceiveActionMessage, ref)
	out.Action = &action
	frame, err := json.Marshal(out)
	if err != nil {
		h.log.WithError(err).Error("encode action")
		return
	}
	key := ref.Key()
	h.Broadcast(key, frame, s)
	if h.fanout != nil {
		if err := h.fanout.Publish(context.Background(), key, frame); err != nil {
			h.log.WithError(err).WithField("branch", key).Warn("fanout publish failed")
		}
	}
}

func (h *Hub) errorInfo(code, message string) *protocol.ErrorInfo {
	requestsRejected.WithLabelValues(code).Inc()
	return &protocol.ErrorInfo{Code: code, Message: message}
}

// reject answers msg with an error message addressed to the same branch.
func (s *Session) reject(msg protocol.Message, code, message string) {
	s.replyError(msg, s.hub.errorInfo(code, message))
}

func (s *Session) replyError(msg protocol.Message, errInfo *protocol.ErrorInfo) {
	out := addressed(protocol.ErrorMessage, branchRef(msg))
	out.RequestID = msg.RequestID
	out.UpdateID = msg.UpdateID
	out.Error = errInfo
	s.reply(out)
}

func branchRef(msg protocol.Message) protocol.BranchRef {
	return protocol.BranchRef{RecordName: msg.RecordName, Inst: msg.Inst, Branch: msg.Branch}
}

func addressed(typ protocol.MessageType, ref protocol.BranchRef) protocol.Message {
	return protocol.Message{Type: typ, RecordName: ref.RecordName, Inst: ref.Inst, Branch: ref.Branch}
}
